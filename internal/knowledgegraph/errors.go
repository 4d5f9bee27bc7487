package knowledgegraph

import (
	"errors"
	"fmt"
)

// ErrReferentialIntegrity is the sentinel matched by every ReferentialIntegrityError.
var ErrReferentialIntegrity = errors.New("referential integrity violation")

// ReferentialIntegrityError reports an event that references an entity the
// store does not hold: an edge endpoint, or the agent run or tool call a
// lifecycle event targets. The offending part of the event is skipped.
type ReferentialIntegrityError struct {
	EventType string
	EntityID  string
	MissingID string
	Kind      string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s %q references unknown %s %q", e.EventType, e.EntityID, e.Kind, e.MissingID)
}

// Is makes errors.Is(err, ErrReferentialIntegrity) succeed.
func (e *ReferentialIntegrityError) Is(target error) bool { return target == ErrReferentialIntegrity }
