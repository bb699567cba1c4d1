// Package coordtypes holds the plain data types shared by every
// component of the write-consistency protocol: node identity, operation
// ids, and the rows persisted to the Shared Store. Keeping these in
// their own package lets the Event Subscriber, Membership Client, ACK
// Store, Deployment Router and Write Coordinator depend on a common
// vocabulary without depending on each other.
package coordtypes

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// NodeID identifies a Node within a deployment. Positive, process-wide
// unique, regenerated on every cold start.
type NodeID uint64

// OpID uniquely names one write within its issuing leader's lifetime.
type OpID uint64

// NewOpID returns a top-bit-clear random 64-bit operation id.
func NewOpID() OpID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable on this host; fall back
		// to a time-derived id rather than panic mid-protocol.
		return OpID(uint64(time.Now().UnixNano()) &^ (1 << 63))
	}
	return OpID(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
}

// NodeIdentity describes the local Node: its id, the function name that
// names its Membership Service group, and the deployment it serves.
type NodeIdentity struct {
	ID           NodeID
	FunctionName string
	Deployment   int
}

// InvalidatedInode is one entry of a write's invalidation set.
type InvalidatedInode struct {
	InodeID  int64
	ParentID int64
}

// AckRow is a pending-acknowledgement row as persisted in
// write_acks_deployment{N}.
type AckRow struct {
	TargetNodeID NodeID
	Deployment   int
	Acknowledged bool
	OpID         OpID
	TxStartTime  int64 // UTC millis
	LeaderID     NodeID
}

// InvalidationRow is an invalidation row as persisted in
// invalidations_deployment{N}.
type InvalidationRow struct {
	InodeID     int64
	ParentID    int64
	LeaderID    NodeID
	TxStartTime int64
	OpID        OpID
}

// TxStartMillis converts a time.Time to the UTC-millis representation
// stored in the tx_start / timestamp columns.
func TxStartMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
