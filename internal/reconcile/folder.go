package reconcile

import (
	"fmt"

	"sensesync/internal/config"
	"sensesync/internal/host"
	"sensesync/internal/sense"
)

// FolderChecker reports whether a host folder exists
type FolderChecker interface {
	HasFolder(id host.FolderID) bool
}

// CheckFolder returns a validation error when the target folder is missing
// from the host
func CheckFolder(h FolderChecker, id int64) error {
	if !h.HasFolder(host.FolderID(id)) {
		return fmt.Errorf("%w: folder %d does not exist", sense.ErrValidation, id)
	}
	return nil
}

// FolderValidator rejects settings whose target folder is missing, so a bad
// folder is reported when the settings are applied rather than on every create.
func FolderValidator(h FolderChecker) config.Validator {
	return func(s config.Settings) error {
		return CheckFolder(h, s.FolderID)
	}
}
