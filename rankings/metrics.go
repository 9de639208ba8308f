package rankings

// OpKind is a structural operation counted by Metrics.
type OpKind int

const (
	OpInsert OpKind = iota
	OpRemove
	OpUpdate
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return "update"
	}
}

// RecoveryOutcome tells what Init did with the transaction log.
type RecoveryOutcome int

const (
	// RecoveryClean: the log was empty.
	RecoveryClean RecoveryOutcome = iota
	// RecoveryInsertDone: the insert had reached storage; only the log was cleared.
	RecoveryInsertDone
	// RecoveryInsertReplayed: the insert was re-applied.
	RecoveryInsertReplayed
	// RecoveryRemoveCompleted: the remove was finished.
	RecoveryRemoveCompleted
	// RecoveryMoveCompleted: a rank update was finished on its target list.
	RecoveryMoveCompleted
	// RecoveryReverted: the remove was ambiguous; the record was parked on Deleted.
	RecoveryReverted
	// RecoveryInsertDropped: the logged record never reached storage; only
	// the log was cleared.
	RecoveryInsertDropped
)

func (o RecoveryOutcome) String() string {
	switch o {
	case RecoveryClean:
		return "clean"
	case RecoveryInsertDone:
		return "insert_done"
	case RecoveryInsertReplayed:
		return "insert_replayed"
	case RecoveryRemoveCompleted:
		return "remove_completed"
	case RecoveryMoveCompleted:
		return "move_completed"
	case RecoveryInsertDropped:
		return "insert_dropped"
	default:
		return "reverted"
	}
}

// Metrics exposes engine-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Op(kind OpKind)
	Recovery(outcome RecoveryOutcome)
	// ListSize is reported after every mutation when list counting is enabled.
	ListSize(list List, entries int)
	CheckFailure(code ErrCode)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Op(OpKind)                {}
func (NoopMetrics) Recovery(RecoveryOutcome) {}
func (NoopMetrics) ListSize(List, int)       {}
func (NoopMetrics) CheckFailure(ErrCode)     {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
