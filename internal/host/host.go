// Package host defines the device surface of the home-automation host that
// the sync engine writes into, plus an in-memory implementation.
package host

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateName is returned when a create or rename would collide
	// with an existing device name.
	ErrDuplicateName = errors.New("duplicate device name")

	// ErrFolderNotFound is returned when a device is created in a folder
	// the host does not know.
	ErrFolderNotFound = errors.New("folder not found")

	// ErrDeviceNotFound is returned for operations on an unknown device id
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceID identifies a device on the host
type DeviceID int64

// FolderID identifies a device folder. The zero folder is the root and always exists.
type FolderID int64

// State keys written by the sync engine
const (
	StateRemoteID = "id"
	StatePower    = "power"
	StateOnOff    = "onOffState"
)

// Device is a host-side device object
type Device struct {
	ID      DeviceID               `json:"id"`
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Folder  FolderID               `json:"folder"`
	Enabled bool                   `json:"enabled"`
	States  map[string]interface{} `json:"states"`
}

// RemoteID returns the remote identifier stored on the device, if any
func (d Device) RemoteID() string {
	if v, ok := d.States[StateRemoteID]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Host is the collaborator surface used by the reconciler
type Host interface {
	CreateDevice(name, deviceType string, folder FolderID) (Device, error)
	RenameDevice(id DeviceID, name string) error
	SetState(id DeviceID, key string, value interface{}) error
	EnableDevice(id DeviceID, enabled bool) error
	DeleteDevice(id DeviceID) error
	DevicesByType(deviceType string) []Device
	Device(id DeviceID) (Device, error)
}

// CommKind distinguishes start and stop notifications
type CommKind int

const (
	StartComm CommKind = iota
	StopComm
)

func (k CommKind) String() string {
	switch k {
	case StartComm:
		return "start"
	case StopComm:
		return "stop"
	default:
		return "unknown"
	}
}

// CommEvent is emitted when the host starts or stops communication with a device
type CommEvent struct {
	Kind   CommKind
	Device Device
}

// CommSource is implemented by hosts that queue start/stop notifications
// for the worker to drain.
type CommSource interface {
	DrainCommEvents() []CommEvent
}
