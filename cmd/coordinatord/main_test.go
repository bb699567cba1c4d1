package main

import (
	"math/rand"
	"testing"

	"github.com/cuemby/metasync/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticInvalidationSetIsLocallyAuthorized(t *testing.T) {
	r, err := router.New(4, 2)
	require.NoError(t, err)

	src := rand.New(rand.NewSource(7))
	inodes := syntheticInvalidationSet(r, 4, src)

	require.NotEmpty(t, inodes)
	for _, inode := range inodes {
		assert.True(t, r.AuthorizedLocally(inode))
	}
	parent := inodes[0].ParentID
	for _, inode := range inodes {
		assert.Equal(t, parent, inode.ParentID, "all inodes in one set must share a parent")
	}
}

func TestSyntheticInvalidationSetCountInRange(t *testing.T) {
	r, err := router.New(1, 0)
	require.NoError(t, err)

	src := rand.New(rand.NewSource(3))
	inodes := syntheticInvalidationSet(r, 1, src)
	assert.GreaterOrEqual(t, len(inodes), 1)
	assert.LessOrEqual(t, len(inodes), 3)
}
