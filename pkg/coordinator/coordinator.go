// Package coordinator is the Write Coordinator (WC): the leader-side
// state machine that fans out pending-acknowledgement rows to peers,
// inserts the invalidation rows that trigger their cache eviction, then
// waits for every peer to either acknowledge or drop out of the
// membership group.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/metasync/pkg/ackstore"
	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/cuemby/metasync/pkg/eventsub"
	"github.com/cuemby/metasync/pkg/log"
	"github.com/cuemby/metasync/pkg/membership"
	"github.com/cuemby/metasync/pkg/metrics"
	"github.com/cuemby/metasync/pkg/router"
	"github.com/rs/zerolog"
)

// Outcome is the terminal result of RunConsistencyProtocol.
type Outcome int

const (
	Proceed Outcome = iota
	Abort
)

func (o Outcome) String() string {
	if o == Proceed {
		return "proceed"
	}
	return "abort"
}

// eventSubscriber is the subset of *eventsub.Subscriber the Write
// Coordinator depends on, so tests can substitute a fake instead of a
// live Postgres LISTEN connection.
type eventSubscriber interface {
	RegisterEvent(ctx context.Context, eventName, table string, columns []string, recreateIfExisting bool) (bool, error)
	AddListener(eventName string, l eventsub.Listener) int
	RemoveListener(eventName string, id int)
	UnregisterEvent(ctx context.Context, eventName string) (bool, error)
}

var _ eventSubscriber = (*eventsub.Subscriber)(nil)

// Coordinator runs the write-consistency protocol for a single Node.
// One Coordinator instance is reused across writes; RunConsistencyProtocol
// is safe to call concurrently for independent operations, each tracked
// by its own countdownLatch and pendingSet.
//
// Session loss: the ctx passed to RunConsistencyProtocol is expected to
// be derived from a Node-wide session context that the composition root
// cancels when the Membership Client's onSessionLoss callback fires
// (pkg/membership's JoinGroup). latch.await then returns ctx.Err(), and
// RunConsistencyProtocol reports Abort with a MembershipError.
type Coordinator struct {
	self   coordtypes.NodeIdentity
	router router.Router
	store  ackstore.Store
	sub    eventSubscriber
	mc     membership.Group

	inFlightMu sync.Mutex
	inFlight   map[coordtypes.OpID]*run
}

// New constructs a Coordinator for the given Node identity and its
// collaborators.
func New(self coordtypes.NodeIdentity, r router.Router, s ackstore.Store, sub *eventsub.Subscriber, mc *membership.Client) *Coordinator {
	return newCoordinator(self, r, s, sub, mc)
}

// newCoordinator is the internal constructor, parametrized over the
// eventSubscriber/membership.Group interfaces so tests can supply fakes
// while New's public signature stays pinned to the concrete types.
func newCoordinator(self coordtypes.NodeIdentity, r router.Router, s ackstore.Store, sub eventSubscriber, mc membership.Group) *Coordinator {
	return &Coordinator{
		self:     self,
		router:   r,
		store:    s,
		sub:      sub,
		mc:       mc,
		inFlight: make(map[coordtypes.OpID]*run),
	}
}

// OpStatus is a point-in-time snapshot of one in-flight
// RunConsistencyProtocol call, for the control API's introspection
// endpoint. It is never consulted by the protocol itself.
type OpStatus struct {
	OpID         coordtypes.OpID     `json:"opId"`
	Deployment   int                 `json:"deployment"`
	PendingPeers []coordtypes.NodeID `json:"pendingPeers"`
	LatchCount   int                 `json:"latchCount"`
}

// InFlightOps returns a snapshot of every write-consistency run
// currently in progress, from INSERT_ACKS until RunConsistencyProtocol
// returns.
func (c *Coordinator) InFlightOps() []OpStatus {
	c.inFlightMu.Lock()
	runs := make([]*run, 0, len(c.inFlight))
	for _, r := range c.inFlight {
		runs = append(runs, r)
	}
	c.inFlightMu.Unlock()

	out := make([]OpStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.status())
	}
	return out
}

func (c *Coordinator) trackRun(r *run) {
	c.inFlightMu.Lock()
	c.inFlight[r.opID] = r
	c.inFlightMu.Unlock()
}

func (c *Coordinator) untrackRun(r *run) {
	c.inFlightMu.Lock()
	delete(c.inFlight, r.opID)
	c.inFlightMu.Unlock()

	// Peers still pending when the run ends (an aborted wait) leave the
	// in-flight sum along with the run.
	r.mu.Lock()
	metrics.PendingPeersGauge.Sub(float64(len(r.pendingSet)))
	r.mu.Unlock()
}

func groupName(deployment int) string {
	return fmt.Sprintf("deployment-%d", deployment)
}

func ackEventName(deployment int) string {
	return fmt.Sprintf("ack-events-%d", deployment)
}

func ackTableName(deployment int) string {
	return fmt.Sprintf("write_acks_deployment%d", deployment)
}

var ackColumns = []string{"namenode_id", "deployment_number", "acknowledged", "op_id", "timestamp", "leader_id"}

// RunConsistencyProtocol executes the full AUTHORIZE → INSERT_ACKS →
// SUBSCRIBE → INSERT_INVS → WAIT_ACKS → CLEANUP state machine for one
// write, returning Proceed once every peer has acknowledged or dropped
// out, or Abort (with the triggering error) otherwise.
func (c *Coordinator) RunConsistencyProtocol(ctx context.Context, invalidated []coordtypes.InvalidatedInode, txStart time.Time) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProtocolDuration)

	opID := coordtypes.NewOpID()
	logger := log.WithRun(uint64(opID), c.self.Deployment)

	// AUTHORIZE
	if err := c.router.Check(invalidated); err != nil {
		logger.Warn().Err(err).Msg("routing check failed, aborting before any side effect")
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, err
	}

	deployment := c.self.Deployment
	group := groupName(deployment)

	members, err := c.mc.ListMembers(ctx, group)
	if err != nil {
		werr := &MembershipError{Op: "list_members", Err: err}
		logger.Error().Err(werr).Msg("failed to list membership for INSERT_ACKS")
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, werr
	}

	r := newRun(opID, c.self.ID, deployment, members)
	r.latch = newCountdownLatch(len(r.pendingSet), &r.mu)
	c.trackRun(r)
	defer c.untrackRun(r)

	// opCtx is cancelled either by ctx itself (session loss) or by a
	// protocol violation observed on the ackListener goroutine, so
	// WAIT_ACKS never blocks out a fatal violation for the rest of the
	// latch.
	opCtx, abortOp := context.WithCancel(ctx)
	defer abortOp()
	r.armViolationAbort(abortOp)

	// INSERT_ACKS
	ackRows := r.buildAckRows(txStart)
	if err := c.store.InsertAcks(ctx, ackRows, deployment); err != nil {
		werr := &StoreWriteError{Op: "insert_acks", Err: err}
		logger.Error().Err(werr).Msg("insert_acks failed, aborting")
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, werr
	}

	// SUBSCRIBE (skipped when there is no one to wait on)
	var listenerID int
	subscribed := false
	if len(r.pendingSet) > 0 {
		eventName := ackEventName(deployment)
		if _, err := c.sub.RegisterEvent(ctx, eventName, ackTableName(deployment), ackColumns, false); err != nil {
			werr := &eventsub.SubscriptionError{EventName: eventName, Err: err}
			logger.Error().Err(werr).Msg("subscribe failed, aborting")
			metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
			return Abort, werr
		}
		listenerID = c.sub.AddListener(eventName, r.ackListener(logger))
		subscribed = true
	}

	// INSERT_INVS
	invRows := r.buildInvalidationRows(invalidated, txStart)
	if err := c.store.InsertInvalidations(ctx, invRows, deployment); err != nil {
		werr := &StoreWriteError{Op: "insert_invalidations", Err: err}
		logger.Error().Err(werr).Msg("insert_invalidations failed, aborting")
		c.cleanup(ctx, r, ackRows, subscribed, listenerID, deployment, logger)
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, werr
	}

	// WAIT_ACKS
	watchID := c.mc.AddWatch(group, func() {
		r.reconcileMembership(ctx, c.mc, group, logger)
	})
	r.reconcileMembership(ctx, c.mc, group, logger) // close the race window before blocking

	latchTimer := metrics.NewTimer()
	waitErr := r.latch.await(opCtx)
	latchTimer.ObserveDuration(metrics.LatchWaitDuration)

	c.cleanup(ctx, r, ackRows, subscribed, listenerID, deployment, logger)
	c.mc.RemoveWatch(group, watchID)

	if v := r.takeViolation(); v != nil {
		logger.Error().Err(v).Msg("wait_acks aborted: protocol violation")
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, v
	}

	if waitErr != nil {
		werr := &MembershipError{Op: "wait_acks", Err: waitErr}
		logger.Error().Err(werr).Msg("wait_acks aborted")
		metrics.ProtocolOutcomesTotal.WithLabelValues("abort").Inc()
		return Abort, werr
	}

	log.Outcome(logger.Info(), Proceed).Msg("write consistency protocol completed")
	metrics.ProtocolOutcomesTotal.WithLabelValues("proceed").Inc()
	return Proceed, nil
}

func (c *Coordinator) cleanup(ctx context.Context, r *run, ackRows []coordtypes.AckRow, subscribed bool, listenerID int, deployment int, logger zerolog.Logger) {
	eventName := ackEventName(deployment)
	if subscribed {
		c.sub.RemoveListener(eventName, listenerID)
		if _, err := c.sub.UnregisterEvent(ctx, eventName); err != nil {
			logger.Warn().Err(err).Msg("cleanup: failed to unregister event subscription")
		}
	}
	if err := c.store.DeleteAcks(ctx, ackRows, deployment); err != nil {
		logger.Warn().Err(&StoreWriteError{Op: "delete_acks", Err: err}).Msg("cleanup: delete_acks failed, rows are self-healing")
	}
}
