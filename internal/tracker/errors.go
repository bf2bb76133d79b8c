package tracker

import (
	"fmt"

	"github.com/Ongy/conntracker/internal/event"
)

// DuplicateTupleError is returned by Create when the tuple already maps to a live id.
// Callers look the tuple up first, so this signals a logic defect.
type DuplicateTupleError struct {
	Tuple event.Tuple
	ID    ConnectionID
}

func (e *DuplicateTupleError) Error() string {
	return fmt.Sprintf("tuple %s already tracked as connection %d", e.Tuple, e.ID)
}

// UnknownIDError is returned when a command names an id with no live record.
type UnknownIDError struct {
	ID ConnectionID
}

func (e *UnknownIDError) Error() string {
	return fmt.Sprintf("connection %d is not tracked", e.ID)
}
