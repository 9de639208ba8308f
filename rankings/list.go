package rankings

import "strconv"

// List is a ranking class. Every linked record belongs to exactly one list.
type List int32

const (
	NotUsed  List = iota // entries that have not been reused
	LowUse               // entries with low reuse
	HighUse              // entries with high reuse
	Reserved             // reserved for future policy
	Deleted              // doomed entries pending reclamation

	// NumLists is the number of ranking lists.
	NumLists = 5
)

// NoList marks the absence of a list (e.g. the target of a plain remove).
const NoList List = -1

// Valid reports whether l names one of the five lists.
func (l List) Valid() bool { return l >= 0 && l < NumLists }

func (l List) String() string {
	switch l {
	case NotUsed:
		return "not_used"
	case LowUse:
		return "low_use"
	case HighUse:
		return "high_use"
	case Reserved:
		return "reserved"
	case Deleted:
		return "deleted"
	case NoList:
		return "none"
	}
	return "list(" + strconv.Itoa(int(l)) + ")"
}

// Direction selects the traversal order of a list.
type Direction int

const (
	// Forward walks head to tail: most recently used first.
	Forward Direction = iota
	// Backward walks tail to head: least recently used first.
	Backward
)
