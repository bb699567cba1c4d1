package membership

import (
	"context"
	"sync"

	"github.com/cuemby/metasync/pkg/coordtypes"
)

// FakeGroup is an in-memory Group used by coordinator tests to drive
// PEER_DROPPED scenarios without a live etcd cluster.
type FakeGroup struct {
	mu       sync.Mutex
	members  map[string][]coordtypes.NodeID
	watchers map[string]map[int]func()
	nextID   int
}

// NewFakeGroup constructs an empty FakeGroup.
func NewFakeGroup() *FakeGroup {
	return &FakeGroup{
		members:  make(map[string][]coordtypes.NodeID),
		watchers: make(map[string]map[int]func()),
	}
}

// SetMembers replaces the member set for name and fires any installed
// watch callbacks, emulating a children-changed event.
func (f *FakeGroup) SetMembers(name string, members []coordtypes.NodeID) {
	f.mu.Lock()
	f.members[name] = members
	cbs := make([]func(), 0, len(f.watchers[name]))
	for _, cb := range f.watchers[name] {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (f *FakeGroup) ListMembers(_ context.Context, name string) ([]coordtypes.NodeID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordtypes.NodeID(nil), f.members[name]...), nil
}

func (f *FakeGroup) AddWatch(name string, cb func()) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchers[name] == nil {
		f.watchers[name] = make(map[int]func())
	}
	f.nextID++
	id := f.nextID
	f.watchers[name][id] = cb
	return id
}

func (f *FakeGroup) RemoveWatch(name string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers[name], id)
}

var _ Group = (*FakeGroup)(nil)
