// Package ackstore is the ACK Store (AS): transactional persistence of
// pending-acknowledgement and invalidation rows against the Shared
// Store, partitioned per deployment.
package ackstore

import (
	"context"
	"time"

	"github.com/cuemby/metasync/pkg/coordtypes"
)

// Store is the ACK Store's data-access contract. All writes are
// single-statement transactions of the Shared Store; correctness does
// not depend on atomicity across deployment partitions because a single
// write operates within a single deployment.
type Store interface {
	// InsertAcks atomically batch-inserts rows into
	// write_acks_deployment{deployment}. A duplicate primary key
	// (namenode_id, op_id) fails the whole batch with *DuplicateAckError.
	InsertAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error

	// DeleteAcks atomically batch-deletes rows from
	// write_acks_deployment{deployment}, keyed by (TargetNodeID, OpID).
	DeleteAcks(ctx context.Context, rows []coordtypes.AckRow, deployment int) error

	// UpdateAck is the peer-side acknowledgement write: flips
	// acknowledged from 0 to 1 for (target, opID). Not invoked by the
	// leader; specified for completeness and used by tests that play
	// the peer role.
	UpdateAck(ctx context.Context, target coordtypes.NodeID, op coordtypes.OpID, deployment int) error

	// InsertInvalidations atomically batch-inserts rows into
	// invalidations_deployment{deployment}.
	InsertInvalidations(ctx context.Context, rows []coordtypes.InvalidationRow, deployment int) error

	// GetPendingAcks is an optional diagnostic read: acks issued by
	// leader since the given time. No correctness role.
	GetPendingAcks(ctx context.Context, leader coordtypes.NodeID, since time.Time, deployment int) ([]coordtypes.AckRow, error)

	// EnsureDeploymentTables idempotently creates the
	// write_acks_deployment{N} / invalidations_deployment{N} tables (and
	// their change-notification triggers) for the given deployment.
	EnsureDeploymentTables(ctx context.Context, deployment int) error

	// Close releases the store's connection pool.
	Close()
}

// DuplicateAckError reports that InsertAcks found a primary-key
// collision somewhere in the batch; the whole batch was rolled back.
type DuplicateAckError struct {
	TargetNodeID coordtypes.NodeID
	OpID         coordtypes.OpID
}

func (e *DuplicateAckError) Error() string {
	return "ackstore: duplicate ack row for (target, op_id) already exists"
}
