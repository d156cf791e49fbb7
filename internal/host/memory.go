package host

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operation records a mutating host call for inspection
type Operation struct {
	Kind   string
	Device DeviceID
	Key    string
	Value  interface{}
	Time   time.Time
}

// Memory is an in-memory Host. Device names are unique across the host.
// Start/stop notifications are queued and handed out by DrainCommEvents.
type Memory struct {
	mu         sync.RWMutex
	devices    map[DeviceID]*Device
	folders    map[FolderID]string
	nextID     DeviceID
	events     []CommEvent
	operations []Operation
}

// NewMemory creates an empty in-memory host with only the root folder
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[DeviceID]*Device),
		folders: map[FolderID]string{0: "root"},
		nextID:  1000,
	}
}

// AddFolder registers a device folder
func (m *Memory) AddFolder(id FolderID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folders[id] = name
}

// HasFolder reports whether the folder exists
func (m *Memory) HasFolder(id FolderID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.folders[id]
	return ok
}

// CreateDevice creates an enabled device and queues a start notification
func (m *Memory) CreateDevice(name, deviceType string, folder FolderID) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.folders[folder]; !ok {
		return Device{}, fmt.Errorf("%w: %d", ErrFolderNotFound, folder)
	}
	if m.nameTaken(name, 0) {
		return Device{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	m.nextID++
	dev := &Device{
		ID:      m.nextID,
		Name:    name,
		Type:    deviceType,
		Folder:  folder,
		Enabled: true,
		States:  make(map[string]interface{}),
	}
	m.devices[dev.ID] = dev
	m.record("create", dev.ID, "name", name)
	m.events = append(m.events, CommEvent{Kind: StartComm, Device: dev.copy()})

	return dev.copy(), nil
}

// RenameDevice changes a device name
func (m *Memory) RenameDevice(id DeviceID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	if dev.Name == name {
		return nil
	}
	if m.nameTaken(name, id) {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	dev.Name = name
	m.record("rename", id, "name", name)
	return nil
}

// SetState sets a device state value. Unchanged values are not recorded.
func (m *Memory) SetState(id DeviceID, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	if current, ok := dev.States[key]; ok && current == value {
		return nil
	}

	dev.States[key] = value
	m.record("state", id, key, value)
	return nil
}

// EnableDevice enables or disables communication with a device
func (m *Memory) EnableDevice(id DeviceID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	if dev.Enabled == enabled {
		return nil
	}

	dev.Enabled = enabled
	m.record("enable", id, "enabled", enabled)

	kind := StopComm
	if enabled {
		kind = StartComm
	}
	m.events = append(m.events, CommEvent{Kind: kind, Device: dev.copy()})
	return nil
}

// DeleteDevice removes a device. Deleting an enabled device queues a stop notification.
func (m *Memory) DeleteDevice(id DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}

	delete(m.devices, id)
	m.record("delete", id, "", nil)
	if dev.Enabled {
		m.events = append(m.events, CommEvent{Kind: StopComm, Device: dev.copy()})
	}
	return nil
}

// Device returns a copy of one device
func (m *Memory) Device(id DeviceID) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dev, ok := m.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	return dev.copy(), nil
}

// DevicesByType returns copies of all devices of a type, ordered by id
func (m *Memory) DevicesByType(deviceType string) []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]Device, 0)
	for _, dev := range m.devices {
		if dev.Type == deviceType {
			devices = append(devices, dev.copy())
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// DeviceByName returns the device with the given name
func (m *Memory) DeviceByName(name string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dev := range m.devices {
		if dev.Name == name {
			return dev.copy(), true
		}
	}
	return Device{}, false
}

// DrainCommEvents returns and clears the queued start/stop notifications
func (m *Memory) DrainCommEvents() []CommEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events
	m.events = nil
	return events
}

// Operations returns all recorded mutating calls
func (m *Memory) Operations() []Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]Operation, len(m.operations))
	copy(ops, m.operations)
	return ops
}

// ClearOperations resets the operation log
func (m *Memory) ClearOperations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations = nil
}

func (m *Memory) nameTaken(name string, except DeviceID) bool {
	for id, dev := range m.devices {
		if id != except && dev.Name == name {
			return true
		}
	}
	return false
}

func (m *Memory) record(kind string, id DeviceID, key string, value interface{}) {
	m.operations = append(m.operations, Operation{
		Kind:   kind,
		Device: id,
		Key:    key,
		Value:  value,
		Time:   time.Now(),
	})
}

func (d *Device) copy() Device {
	out := *d
	out.States = make(map[string]interface{}, len(d.States))
	for k, v := range d.States {
		out.States[k] = v
	}
	return out
}
