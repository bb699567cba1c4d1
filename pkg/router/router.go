// Package router implements the Deployment Router: a pure function
// mapping an inode's parent id to the deployment number authorized to
// cache and write it.
package router

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/cuemby/metasync/pkg/coordtypes"
)

// Router maps inodes to deployments via a stable consistent hash of the
// parent id. Stable across process restarts and across any
// implementation computing the same hash, because it depends only on
// fnv1a64 of the decimal parent id and the fixed deployment count.
type Router struct {
	NumDeployments  int
	LocalDeployment int
}

// New validates and constructs a Router.
func New(numDeployments, localDeployment int) (Router, error) {
	if numDeployments <= 0 {
		return Router{}, fmt.Errorf("router: numDeployments must be positive, got %d", numDeployments)
	}
	if localDeployment < 0 || localDeployment >= numDeployments {
		return Router{}, fmt.Errorf("router: localDeployment %d out of range [0,%d)", localDeployment, numDeployments)
	}
	return Router{NumDeployments: numDeployments, LocalDeployment: localDeployment}, nil
}

// MappedDeployment returns the deployment number authorized to cache
// and write the inode whose parent is parentID. Siblings (same parent)
// always co-locate because the hash input is the parent id, not the
// inode id and not a path hash.
func (r Router) MappedDeployment(parentID int64) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(parentID, 10)))
	return int(h.Sum64() % uint64(r.NumDeployments))
}

// AuthorizedLocally reports whether this Router's local deployment is
// the one authorized to write the given inode.
func (r Router) AuthorizedLocally(inode coordtypes.InvalidatedInode) bool {
	return r.MappedDeployment(inode.ParentID) == r.LocalDeployment
}

// RoutingError reports that a write targeted an inode owned by another
// deployment. Raised by the Write Coordinator's AUTHORIZE step before
// any side effect.
type RoutingError struct {
	InodeID            int64
	ExpectedDeployment int
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: inode %d is owned by deployment %d, not local", e.InodeID, e.ExpectedDeployment)
}

// Check authorizes every inode in the set, returning the first
// RoutingError encountered (or nil if all inodes are locally
// authorized). No side effects are performed regardless of outcome.
func (r Router) Check(inodes []coordtypes.InvalidatedInode) error {
	for _, inode := range inodes {
		if !r.AuthorizedLocally(inode) {
			return &RoutingError{
				InodeID:            inode.InodeID,
				ExpectedDeployment: r.MappedDeployment(inode.ParentID),
			}
		}
	}
	return nil
}
