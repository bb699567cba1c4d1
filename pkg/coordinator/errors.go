package coordinator

import "fmt"

// StoreWriteError wraps a failed ACK Store write (InsertAcks,
// InsertInvalidations, DeleteAcks).
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("coordinator: store write (%s): %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// StoreReadError wraps a failed ACK Store read (GetPendingAcks).
type StoreReadError struct {
	Op  string
	Err error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("coordinator: store read (%s): %v", e.Op, e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// MembershipError wraps a failed Membership Client operation or a
// session-loss notification observed mid-protocol.
type MembershipError struct {
	Op  string
	Err error
}

func (e *MembershipError) Error() string {
	return fmt.Sprintf("coordinator: membership (%s): %v", e.Op, e.Err)
}

func (e *MembershipError) Unwrap() error { return e.Err }

// ProtocolViolationError reports an ACK event for a peer not present in
// pendingSet: a protocol invariant violation, treated as fatal. Callers
// detect it with errors.As(err, &*ProtocolViolationError).
type ProtocolViolationError struct {
	TargetNodeID uint64
	OpID         uint64
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("coordinator: protocol violation: ack for node %d not in pending set (op %d)", e.TargetNodeID, e.OpID)
}
