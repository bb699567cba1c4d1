// Package membership is the Membership Client (MC): the Node's binding
// to the Membership Service, emulating ZooKeeper's ephemeral-node and
// children-changed-watch semantics on top of etcd leases and watches.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/cuemby/metasync/pkg/log"
	"github.com/cuemby/metasync/pkg/metrics"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// MembershipError wraps a failure talking to the Membership Service.
type MembershipError struct {
	Op  string
	Err error
}

func (e *MembershipError) Error() string {
	return fmt.Sprintf("membership: %s: %v", e.Op, e.Err)
}

func (e *MembershipError) Unwrap() error { return e.Err }

// Config configures a Client's connection to the Membership Service.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	LeaseTTL    time.Duration
	GroupPrefix string // default "/metasync/groups" if empty
}

type groupWatch struct {
	cancel   context.CancelFunc
	mu       sync.Mutex
	nextID   int
	watchers map[int]func()
}

// Client is a Node's handle to the Membership Service.
type Client struct {
	cfg Config
	cli *clientv3.Client

	mu     sync.Mutex
	groups map[string]*groupWatch
}

// New constructs a Client from cfg. It does not dial the Membership
// Service; call Connect to establish the connection.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, &MembershipError{Op: "new", Err: fmt.Errorf("at least one endpoint is required")}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "/metasync/groups"
	}
	return &Client{cfg: cfg, groups: make(map[string]*groupWatch)}, nil
}

// Connect dials the Membership Service and verifies connectivity.
// Transient connectivity errors are retried with exponential backoff up
// to a handful of attempts before returning an error.
func (c *Client) Connect(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MembershipOpDuration, "connect")

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.cfg.Endpoints,
		DialTimeout: c.cfg.DialTimeout,
	})
	if err != nil {
		return &MembershipError{Op: "connect", Err: err}
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := cli.Status(ctx, c.cfg.Endpoints[0]); err == nil {
			c.cli = cli
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			cli.Close()
			return &MembershipError{Op: "connect", Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	cli.Close()
	return &MembershipError{Op: "connect", Err: lastErr}
}

// CreateGroup is idempotent: etcd's keyspace has no durable "group node"
// separate from its members, so this only validates the name, keeping
// the contract surface 1:1 with a Membership Service that does require
// explicit group creation.
func (c *Client) CreateGroup(_ context.Context, name string) error {
	if name == "" {
		return &MembershipError{Op: "create_group", Err: fmt.Errorf("group name must not be empty")}
	}
	return nil
}

// JoinGroup registers memberID as an ephemeral member of name, bound to
// a fresh lease. onSessionLoss fires exactly once, when the lease's
// keepalive channel closes (expiry or an unrecoverable session loss).
func (c *Client) JoinGroup(ctx context.Context, name string, memberID coordtypes.NodeID, onSessionLoss func()) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MembershipOpDuration, "join_group")

	lease, err := c.cli.Grant(ctx, int64(c.cfg.LeaseTTL.Seconds()))
	if err != nil {
		return &MembershipError{Op: "grant_lease", Err: err}
	}

	keepAlive, err := c.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return &MembershipError{Op: "keepalive", Err: err}
	}

	key := c.memberKey(name, memberID)
	if _, err := c.cli.Put(ctx, key, strconv.FormatUint(uint64(memberID), 10), clientv3.WithLease(lease.ID)); err != nil {
		return &MembershipError{Op: "join_group", Err: err}
	}

	go c.watchKeepAlive(name, keepAlive, onSessionLoss)
	return nil
}

func (c *Client) watchKeepAlive(name string, keepAlive <-chan *clientv3.LeaseKeepAliveResponse, onSessionLoss func()) {
	for range keepAlive {
		// drain renewal responses; nothing to act on while the lease is alive.
	}
	metrics.SessionLossTotal.Inc()
	log.WithComponent("membership").Warn().Str("group", name).Msg("lease keepalive channel closed, session lost")
	if onSessionLoss != nil {
		onSessionLoss()
	}
}

// ListMembers returns the current child set of the group named name.
func (c *Client) ListMembers(ctx context.Context, name string) ([]coordtypes.NodeID, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MembershipOpDuration, "list_members")

	prefix := c.groupPrefix(name)
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, &MembershipError{Op: "list_members", Err: err}
	}
	return decodeMemberIDs(resp.Kvs), nil
}

// AddWatch installs (or reuses) a shared children-changed watch on the
// group named name, invoking cb on every change. Returns a handle for
// RemoveWatch.
func (c *Client) AddWatch(name string, cb func()) int {
	c.mu.Lock()
	gw, ok := c.groups[name]
	if !ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		gw = &groupWatch{cancel: cancel, watchers: make(map[int]func())}
		c.groups[name] = gw
		go c.watchGroup(watchCtx, name, gw)
	}
	c.mu.Unlock()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.nextID++
	id := gw.nextID
	gw.watchers[id] = cb
	return id
}

func (c *Client) watchGroup(ctx context.Context, name string, gw *groupWatch) {
	watchCh := c.cli.Watch(ctx, c.groupPrefix(name), clientv3.WithPrefix())
	for range watchCh {
		gw.mu.Lock()
		cbs := make([]func(), 0, len(gw.watchers))
		for _, cb := range gw.watchers {
			cbs = append(cbs, cb)
		}
		gw.mu.Unlock()

		for _, cb := range cbs {
			cb()
		}
	}
}

// RemoveWatch unregisters a watch callback previously returned by
// AddWatch.
func (c *Client) RemoveWatch(name string, id int) {
	c.mu.Lock()
	gw, ok := c.groups[name]
	c.mu.Unlock()
	if !ok {
		return
	}

	gw.mu.Lock()
	delete(gw.watchers, id)
	empty := len(gw.watchers) == 0
	gw.mu.Unlock()

	if empty {
		c.mu.Lock()
		delete(c.groups, name)
		c.mu.Unlock()
		gw.cancel()
	}
}

// Close tears down every watch and the underlying etcd connection.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, gw := range c.groups {
		gw.cancel()
	}
	c.groups = nil
	c.mu.Unlock()

	if c.cli == nil {
		return nil
	}
	return c.cli.Close()
}

func (c *Client) groupPrefix(name string) string {
	return fmt.Sprintf("%s/%s/", c.cfg.GroupPrefix, name)
}

func (c *Client) memberKey(name string, id coordtypes.NodeID) string {
	return fmt.Sprintf("%s%d", c.groupPrefix(name), id)
}

func decodeMemberIDs(kvs []*mvccpb.KeyValue) []coordtypes.NodeID {
	ids := make([]coordtypes.NodeID, 0, len(kvs))
	for _, kv := range kvs {
		ids = append(ids, parseNodeID(string(kv.Value)))
	}
	return ids
}

func parseNodeID(s string) coordtypes.NodeID {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return coordtypes.NodeID(v)
}
