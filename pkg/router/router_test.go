package router

import (
	"testing"

	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappedDeploymentStable(t *testing.T) {
	r, err := New(3, 1)
	require.NoError(t, err)

	a := r.MappedDeployment(75)
	b := r.MappedDeployment(75)
	assert.Equal(t, a, b, "mapping must be stable across calls")
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 3)
}

func TestSiblingsCoLocate(t *testing.T) {
	r, err := New(5, 0)
	require.NoError(t, err)

	parent := int64(50)
	d1 := r.MappedDeployment(parent)
	// two children of the same parent hash identically because the
	// input is the parent id, not the inode id.
	inodeA := coordtypes.InvalidatedInode{InodeID: 100, ParentID: parent}
	inodeB := coordtypes.InvalidatedInode{InodeID: 200, ParentID: parent}
	assert.Equal(t, d1 == r.LocalDeployment, r.AuthorizedLocally(inodeA))
	assert.Equal(t, r.AuthorizedLocally(inodeA), r.AuthorizedLocally(inodeB))
}

// S4 — routing rejection before any side effect.
func TestCheckRejectsForeignDeployment(t *testing.T) {
	r, err := New(3, 0)
	require.NoError(t, err)

	// Find a parent id whose hash does NOT map to deployment 0.
	var parent int64
	for p := int64(1); ; p++ {
		if r.MappedDeployment(p) != 0 {
			parent = p
			break
		}
	}

	inode := coordtypes.InvalidatedInode{InodeID: 300, ParentID: parent}
	err = r.Check([]coordtypes.InvalidatedInode{inode})
	require.Error(t, err)

	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Equal(t, int64(300), routingErr.InodeID)
	assert.Equal(t, r.MappedDeployment(parent), routingErr.ExpectedDeployment)
}

func TestNewValidatesRange(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)

	_, err = New(3, 3)
	assert.Error(t, err)

	_, err = New(3, -1)
	assert.Error(t, err)
}
