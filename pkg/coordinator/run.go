package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/cuemby/metasync/pkg/eventsub"
	"github.com/cuemby/metasync/pkg/membership"
	"github.com/cuemby/metasync/pkg/metrics"
	"github.com/rs/zerolog"
)

// run tracks one in-flight RunConsistencyProtocol call's pendingSet and
// latch, the mutable state ACK_RECEIVED and PEER_DROPPED both contend
// for. mu is the single critical section serializing both paths.
type run struct {
	opID       coordtypes.OpID
	leader     coordtypes.NodeID
	deployment int
	latch      *countdownLatch

	mu             sync.Mutex
	pendingSet     map[coordtypes.NodeID]bool
	violation      *ProtocolViolationError
	violationAbort context.CancelFunc
}

func newRun(opID coordtypes.OpID, leader coordtypes.NodeID, deployment int, members []coordtypes.NodeID) *run {
	pending := make(map[coordtypes.NodeID]bool, len(members))
	for _, m := range members {
		if m == leader {
			continue
		}
		pending[m] = true
	}
	metrics.PendingPeersGauge.Add(float64(len(pending)))
	return &run{opID: opID, leader: leader, deployment: deployment, pendingSet: pending}
}

// armViolationAbort records the cancel func RunConsistencyProtocol uses
// to interrupt WAIT_ACKS the instant a protocol violation is detected,
// so a fatal ACK_RECEIVED event doesn't have to wait out the rest of
// the latch.
func (r *run) armViolationAbort(cancel context.CancelFunc) {
	r.mu.Lock()
	r.violationAbort = cancel
	r.mu.Unlock()
}

// takeViolation returns the recorded violation, if any, for
// RunConsistencyProtocol to report once WAIT_ACKS returns.
func (r *run) takeViolation() *ProtocolViolationError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violation
}

// status snapshots pendingSet and the latch count under r.mu, for the
// control API's introspection endpoint.
func (r *run) status() OpStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]coordtypes.NodeID, 0, len(r.pendingSet))
	for peer := range r.pendingSet {
		peers = append(peers, peer)
	}
	return OpStatus{
		OpID:         r.opID,
		Deployment:   r.deployment,
		PendingPeers: peers,
		LatchCount:   r.latch.count,
	}
}

func (r *run) buildAckRows(txStart time.Time) []coordtypes.AckRow {
	rows := make([]coordtypes.AckRow, 0, len(r.pendingSet))
	for peer := range r.pendingSet {
		rows = append(rows, coordtypes.AckRow{
			TargetNodeID: peer,
			Deployment:   r.deployment,
			Acknowledged: false,
			OpID:         r.opID,
			TxStartTime:  coordtypes.TxStartMillis(txStart),
			LeaderID:     r.leader,
		})
	}
	return rows
}

func (r *run) buildInvalidationRows(invalidated []coordtypes.InvalidatedInode, txStart time.Time) []coordtypes.InvalidationRow {
	rows := make([]coordtypes.InvalidationRow, 0, len(invalidated))
	for _, inode := range invalidated {
		rows = append(rows, coordtypes.InvalidationRow{
			InodeID:     inode.InodeID,
			ParentID:    inode.ParentID,
			LeaderID:    r.leader,
			TxStartTime: coordtypes.TxStartMillis(txStart),
			OpID:        r.opID,
		})
	}
	return rows
}

// ackListener implements the ACK_RECEIVED transition: ignore unless the
// event's op id matches, the row is an UPDATE (never an INSERT), and
// acknowledged is true. A matching event for a peer outside pendingSet
// is a protocol invariant violation.
func (r *run) ackListener(logger zerolog.Logger) eventsub.Listener {
	return func(d eventsub.Delivery) {
		r.onAckDelivery(d, logger)
	}
}

func (r *run) onAckDelivery(d eventsub.Delivery, logger zerolog.Logger) {
	if d.Kind == eventsub.EventInsert || d.Post == nil {
		return
	}
	opID, ok := numField(d.Post, "op_id")
	if !ok || coordtypes.OpID(opID) != r.opID {
		return
	}
	acked, ok := boolField(d.Post, "acknowledged")
	if !ok || !acked {
		return
	}
	target, ok := numField(d.Post, "namenode_id")
	if !ok {
		return
	}
	peer := coordtypes.NodeID(target)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pendingSet[peer] {
		logger.Error().Uint64("peer", uint64(peer)).Msg("protocol violation: ack for peer not in pending set")
		metrics.ProtocolViolationsTotal.Inc()
		if r.violation == nil {
			r.violation = &ProtocolViolationError{TargetNodeID: uint64(peer), OpID: uint64(r.opID)}
		}
		if r.violationAbort != nil {
			r.violationAbort()
		}
		return
	}
	delete(r.pendingSet, peer)
	r.latch.decrement()
	metrics.PendingPeersGauge.Dec()
	metrics.AcksReceivedTotal.Inc()
}

// reconcileMembership implements PEER_DROPPED: diff pendingSet against a
// fresh ListMembers snapshot, decrementing the latch for every peer
// absent from the snapshot. Serialized under the same mutex as
// ACK_RECEIVED, so an ack and a drop for the same peer cannot both
// decrement (P3/P4).
func (r *run) reconcileMembership(ctx context.Context, mc membership.Group, group string, logger zerolog.Logger) {
	members, err := mc.ListMembers(ctx, group)
	if err != nil {
		logger.Warn().Err(err).Msg("reconcileMembership: list_members failed, leaving pendingSet unchanged")
		return
	}
	present := make(map[coordtypes.NodeID]bool, len(members))
	for _, m := range members {
		present[m] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for peer := range r.pendingSet {
		if !present[peer] {
			delete(r.pendingSet, peer)
			r.latch.decrement()
			metrics.PendingPeersGauge.Dec()
			metrics.PeerDropsTotal.Inc()
		}
	}
}

func numField(m map[string]any, key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

func boolField(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	default:
		return false, false
	}
}
