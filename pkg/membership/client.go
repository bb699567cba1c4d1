package membership

import (
	"context"

	"github.com/cuemby/metasync/pkg/coordtypes"
)

// Group is the subset of Client behavior the Write Coordinator depends
// on, letting tests substitute a fake instead of a live etcd session.
type Group interface {
	ListMembers(ctx context.Context, name string) ([]coordtypes.NodeID, error)
	AddWatch(name string, cb func()) int
	RemoveWatch(name string, id int)
}

var _ Group = (*Client)(nil)
