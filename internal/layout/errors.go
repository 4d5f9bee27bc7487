package layout

import (
	"errors"
	"fmt"
)

// ErrPersistence matches every PersistenceError.
var ErrPersistence = errors.New("layout persistence failed")

// PersistenceError reports a failed layout save or load against one backend.
// The persister degrades to the local file on these; they never reach
// graph reconciliation.
type PersistenceError struct {
	Op        string
	Backend   string
	MissionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("layout %s for mission %q via %s: %v", e.Op, e.MissionID, e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ErrPersistence).
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
