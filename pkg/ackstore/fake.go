package ackstore

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
)

// FakeStore is an in-memory Store used by coordinator and ackstore tests
// in place of a live Shared Store connection.
type FakeStore struct {
	mu            sync.Mutex
	acks          map[int]map[ackKey]coordtypes.AckRow
	invalidations map[int][]coordtypes.InvalidationRow
	ensured       map[int]bool

	// OnInsertAcks, if set, is invoked synchronously after a successful
	// InsertAcks, letting tests emit the fan-out notification a real
	// trigger would produce.
	OnInsertAcks func(rows []coordtypes.AckRow, deployment int)
	// OnUpdateAck, if set, is invoked after a successful UpdateAck.
	OnUpdateAck func(target coordtypes.NodeID, op coordtypes.OpID, deployment int)
}

type ackKey struct {
	target coordtypes.NodeID
	op     coordtypes.OpID
}

// NewFakeStore constructs an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		acks:          make(map[int]map[ackKey]coordtypes.AckRow),
		invalidations: make(map[int][]coordtypes.InvalidationRow),
		ensured:       make(map[int]bool),
	}
}

func (f *FakeStore) EnsureDeploymentTables(_ context.Context, deployment int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[deployment] = true
	return nil
}

func (f *FakeStore) InsertAcks(_ context.Context, rows []coordtypes.AckRow, deployment int) error {
	f.mu.Lock()
	bucket, ok := f.acks[deployment]
	if !ok {
		bucket = make(map[ackKey]coordtypes.AckRow)
		f.acks[deployment] = bucket
	}
	for _, r := range rows {
		k := ackKey{r.TargetNodeID, r.OpID}
		if _, exists := bucket[k]; exists {
			f.mu.Unlock()
			return &DuplicateAckError{TargetNodeID: r.TargetNodeID, OpID: r.OpID}
		}
	}
	for _, r := range rows {
		bucket[ackKey{r.TargetNodeID, r.OpID}] = r
	}
	f.mu.Unlock()

	if f.OnInsertAcks != nil {
		f.OnInsertAcks(rows, deployment)
	}
	return nil
}

func (f *FakeStore) DeleteAcks(_ context.Context, rows []coordtypes.AckRow, deployment int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := f.acks[deployment]
	for _, r := range rows {
		delete(bucket, ackKey{r.TargetNodeID, r.OpID})
	}
	return nil
}

func (f *FakeStore) UpdateAck(_ context.Context, target coordtypes.NodeID, op coordtypes.OpID, deployment int) error {
	f.mu.Lock()
	bucket, ok := f.acks[deployment]
	if ok {
		k := ackKey{target, op}
		if row, exists := bucket[k]; exists {
			row.Acknowledged = true
			bucket[k] = row
		}
	}
	f.mu.Unlock()

	if f.OnUpdateAck != nil {
		f.OnUpdateAck(target, op, deployment)
	}
	return nil
}

func (f *FakeStore) InsertInvalidations(_ context.Context, rows []coordtypes.InvalidationRow, deployment int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations[deployment] = append(f.invalidations[deployment], rows...)
	return nil
}

func (f *FakeStore) GetPendingAcks(_ context.Context, leader coordtypes.NodeID, since time.Time, deployment int) ([]coordtypes.AckRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sinceMillis := coordtypes.TxStartMillis(since)
	var out []coordtypes.AckRow
	for _, row := range f.acks[deployment] {
		if row.LeaderID == leader && row.TxStartTime >= sinceMillis && !row.Acknowledged {
			out = append(out, row)
		}
	}
	return out, nil
}

// DumpAcks returns a snapshot of every ack row currently held for
// deployment, for tests asserting on pendingSet/cleanup state.
func (f *FakeStore) DumpAcks(deployment int) []coordtypes.AckRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coordtypes.AckRow, 0, len(f.acks[deployment]))
	for _, row := range f.acks[deployment] {
		out = append(out, row)
	}
	return out
}

// DumpInvalidations returns a snapshot of every invalidation row recorded
// for deployment.
func (f *FakeStore) DumpInvalidations(deployment int) []coordtypes.InvalidationRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordtypes.InvalidationRow(nil), f.invalidations[deployment]...)
}

func (f *FakeStore) Close() {}

var _ Store = (*FakeStore)(nil)
