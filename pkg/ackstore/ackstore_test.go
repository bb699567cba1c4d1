package ackstore

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableNamesPerDeployment(t *testing.T) {
	assert.Equal(t, "write_acks_deployment0", ackTableName(0))
	assert.Equal(t, "write_acks_deployment7", ackTableName(7))
	assert.Equal(t, "invalidations_deployment3", invalidationTableName(3))
}

func TestDDLCoversBothTablesAndTriggers(t *testing.T) {
	stmts := ddlForDeployment(2)
	require.NotEmpty(t, stmts)

	var sawAckTable, sawInvTable, sawAckTrigger, sawInvTrigger bool
	for _, s := range stmts {
		if contains(s, "write_acks_deployment2") && contains(s, "CREATE TABLE") {
			sawAckTable = true
		}
		if contains(s, "invalidations_deployment2") && contains(s, "CREATE TABLE") {
			sawInvTable = true
		}
		if contains(s, "trg_write_acks_deployment2") {
			sawAckTrigger = true
		}
		if contains(s, "trg_invalidations_deployment2") {
			sawInvTrigger = true
		}
	}
	assert.True(t, sawAckTable, "missing ack table DDL")
	assert.True(t, sawInvTable, "missing invalidation table DDL")
	assert.True(t, sawAckTrigger, "missing ack trigger")
	assert.True(t, sawInvTrigger, "missing invalidation trigger")
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestFakeStoreRejectsDuplicateAck(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	row := coordtypes.AckRow{TargetNodeID: 1, OpID: 42, LeaderID: 9, TxStartTime: 100}
	require.NoError(t, s.InsertAcks(ctx, []coordtypes.AckRow{row}, 0))

	err := s.InsertAcks(ctx, []coordtypes.AckRow{row}, 0)
	require.Error(t, err)
	var dup *DuplicateAckError
	require.ErrorAs(t, err, &dup)
}

func TestFakeStoreGetPendingAcksFiltersAcknowledged(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	base := time.Unix(1000, 0).UTC()
	rows := []coordtypes.AckRow{
		{TargetNodeID: 1, OpID: 1, LeaderID: 9, TxStartTime: coordtypes.TxStartMillis(base)},
		{TargetNodeID: 2, OpID: 2, LeaderID: 9, TxStartTime: coordtypes.TxStartMillis(base)},
	}
	require.NoError(t, s.InsertAcks(ctx, rows, 0))
	require.NoError(t, s.UpdateAck(ctx, 1, 1, 0))

	pending, err := s.GetPendingAcks(ctx, 9, base, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, coordtypes.NodeID(2), pending[0].TargetNodeID)
}

func TestFakeStoreDeleteAcksCleansUp(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	row := coordtypes.AckRow{TargetNodeID: 3, OpID: 5, LeaderID: 9, TxStartTime: 1}
	require.NoError(t, s.InsertAcks(ctx, []coordtypes.AckRow{row}, 0))
	require.NoError(t, s.DeleteAcks(ctx, []coordtypes.AckRow{row}, 0))

	pending, err := s.GetPendingAcks(ctx, 9, time.Unix(0, 0), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
