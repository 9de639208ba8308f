package rankings

import "fmt"

// CrashPoint names a step inside a structural mutation at which a simulated
// crash can be injected.
type CrashPoint int

const (
	NoCrash CrashPoint = iota
	// CrashInsertLogged: the insert log entry is persisted, nothing linked.
	CrashInsertLogged
	// CrashLinkRecordStored: the record carries its new links.
	CrashLinkRecordStored
	// CrashLinkHeadUpdated: the old head points back at the record.
	CrashLinkHeadUpdated
	// CrashLinkControlled: the new head is persisted, the log is still set.
	CrashLinkControlled
	// CrashRemoveLogged: the remove log entry is persisted, nothing unlinked.
	CrashRemoveLogged
	// CrashUnlinkPrev: the previous record skips the removed one.
	CrashUnlinkPrev
	// CrashUnlinkNext: the next record skips the removed one.
	CrashUnlinkNext
	// CrashRemoveControlled: the remove is committed, the record still
	// carries its stale links.
	CrashRemoveControlled
	// CrashUpdateLogged: the move log entry is persisted, nothing unlinked.
	CrashUpdateLogged
	// CrashUpdateUnlinked: the record left its old list; the log now names
	// the insert on the target list.
	CrashUpdateUnlinked

	numCrashPoints
)

// CrashPoints lists every injectable point, for crash/restart drivers.
func CrashPoints() []CrashPoint {
	out := make([]CrashPoint, 0, numCrashPoints-1)
	for p := NoCrash + 1; p < numCrashPoints; p++ {
		out = append(out, p)
	}
	return out
}

func (p CrashPoint) String() string {
	names := [...]string{
		"none", "insert_logged", "link_record_stored", "link_head_updated",
		"link_controlled", "remove_logged", "unlink_prev", "unlink_next",
		"remove_controlled", "update_logged", "update_unlinked",
	}
	if p >= 0 && int(p) < len(names) {
		return names[p]
	}
	return fmt.Sprintf("crash(%d)", int(p))
}

// Crash is the panic value raised at an injected crash point.
type Crash struct{ Point CrashPoint }

func (c Crash) Error() string { return "rankings: simulated crash at " + c.Point.String() }

func (r *Rankings) crash(p CrashPoint) {
	if r.opt.CrashAt != NoCrash && r.opt.CrashAt == p {
		panic(Crash{Point: p})
	}
}
