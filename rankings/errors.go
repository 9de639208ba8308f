package rankings

import (
	"errors"
	"fmt"

	"github.com/IvanBrykalov/diskrank/store"
)

var (
	// ErrNotInitialized is returned by operations on an engine before Init.
	ErrNotInitialized = errors.New("rankings: not initialized")
	// ErrCorruptControl is returned by Init when the control data cannot be
	// trusted. The cache must be rebuilt from empty.
	ErrCorruptControl = errors.New("rankings: corrupt control data")
	// ErrUnrecoverable is returned by Init when the pending transaction
	// cannot be completed or rolled back.
	ErrUnrecoverable = errors.New("rankings: unrecoverable transaction")
	// ErrInvalidList is returned for a list outside NotUsed..Deleted.
	ErrInvalidList = errors.New("rankings: invalid list")
	// ErrAlreadyLinked is returned by Insert for a record that is on a list.
	ErrAlreadyLinked = errors.New("rankings: record already linked")
	// ErrNotLinked is returned by Remove/UpdateRank for a record that is not
	// on the given list.
	ErrNotLinked = errors.New("rankings: record not on list")
	// ErrStillLinked is returned by Free for a record that is still on a list.
	ErrStillLinked = errors.New("rankings: record still linked")
	// ErrBadRecord is returned when a loaded record fails its sanity checks.
	ErrBadRecord = errors.New("rankings: bad record")
	// ErrTooManyLists is returned by NewIterator for more than three lists.
	ErrTooManyLists = errors.New("rankings: too many lists for one iterator")
	// ErrReleased is returned by a released iterator.
	ErrReleased = errors.New("rankings: iterator released")
)

// ErrCode identifies a structural defect found by the list checks.
// Codes are negative so a check can return either a count or a code.
type ErrCode int

const (
	ErrCodeInvalidHead    ErrCode = -1
	ErrCodeInvalidTail    ErrCode = -2
	ErrCodeInvalidNext    ErrCode = -3
	ErrCodeInvalidPrev    ErrCode = -4
	ErrCodeInvalidAddress ErrCode = -5
	ErrCodeBadRecord      ErrCode = -6
	ErrCodeWrongList      ErrCode = -7
	ErrCodeLoop           ErrCode = -8
	ErrCodeCrossList      ErrCode = -9
	ErrCodeCountMismatch  ErrCode = -10
)

func (c ErrCode) String() string {
	switch c {
	case ErrCodeInvalidHead:
		return "invalid_head"
	case ErrCodeInvalidTail:
		return "invalid_tail"
	case ErrCodeInvalidNext:
		return "invalid_next"
	case ErrCodeInvalidPrev:
		return "invalid_prev"
	case ErrCodeInvalidAddress:
		return "invalid_address"
	case ErrCodeBadRecord:
		return "bad_record"
	case ErrCodeWrongList:
		return "wrong_list"
	case ErrCodeLoop:
		return "loop"
	case ErrCodeCrossList:
		return "cross_list"
	case ErrCodeCountMismatch:
		return "count_mismatch"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// CheckError reports where a list walk found a defect.
type CheckError struct {
	List    List
	Forward bool // direction of the walk that failed
	Code    ErrCode
	Addr    store.Addr // record at which the walk stopped (may be nil)
}

func (e *CheckError) Error() string {
	dir := "backward"
	if e.Forward {
		dir = "forward"
	}
	return fmt.Sprintf("rankings: list %s %s walk: %s at %s (%d)", e.List, dir, e.Code, e.Addr, int(e.Code))
}

// Is matches another CheckError with the same code, so callers can test
// errors.Is(err, &CheckError{Code: ErrCodeLoop}).
func (e *CheckError) Is(target error) bool {
	t, ok := target.(*CheckError)
	return ok && t.Code == e.Code
}
