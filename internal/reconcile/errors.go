package reconcile

import (
	"fmt"
)

// DuplicateNameError is returned when the host rejects a create or rename
// because the name is already in use. The record is left unchanged and the
// operation is retried next cycle.
type DuplicateNameError struct {
	Op       string
	Name     string
	RemoteID string
	Err      error
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s %q for remote device %s: %v", e.Op, e.Name, e.RemoteID, e.Err)
}

func (e *DuplicateNameError) Unwrap() error {
	return e.Err
}
