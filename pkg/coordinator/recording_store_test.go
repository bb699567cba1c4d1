package coordinator

import (
	"context"
	"sync"

	"github.com/cuemby/metasync/pkg/ackstore"
	"github.com/cuemby/metasync/pkg/coordtypes"
)

// recordingStore wraps a FakeStore and records the order of write calls,
// so tests can assert ack-before-invalidation insertion order (P2).
type recordingStore struct {
	*ackstore.FakeStore
	mu    sync.Mutex
	calls []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{FakeStore: ackstore.NewFakeStore()}
}

func (s *recordingStore) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
}

func (s *recordingStore) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingStore) InsertAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error {
	s.record("insert_acks")
	return s.FakeStore.InsertAcks(ctx, rows, deployment)
}

func (s *recordingStore) InsertInvalidations(ctx context.Context, rows []coordtypes.InvalidationRow, deployment int) error {
	s.record("insert_invalidations")
	return s.FakeStore.InsertInvalidations(ctx, rows, deployment)
}

func (s *recordingStore) DeleteAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error {
	s.record("delete_acks")
	return s.FakeStore.DeleteAcks(ctx, rows, deployment)
}

var _ ackstore.Store = (*recordingStore)(nil)

// immediateAck builds the Post payload of an ACK_RECEIVED delivery for
// opID, acknowledged by target, as the ack table trigger would emit it.
func immediateAck(opID coordtypes.OpID, target coordtypes.NodeID) map[string]any {
	return map[string]any{
		"op_id":        float64(opID),
		"namenode_id":  float64(target),
		"acknowledged": float64(1),
	}
}
