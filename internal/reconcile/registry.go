package reconcile

import (
	"sort"
	"strconv"

	"sensesync/internal/host"
)

// Record is the reconciler's view of one host device bound to a remote device
type Record struct {
	LocalID     host.DeviceID `json:"local_id"`
	RemoteID    string        `json:"remote_id"`
	DisplayName string        `json:"name"`
	PowerWatts  int           `json:"power_w"`
	Enabled     bool          `json:"enabled"`
	PoweredOn   bool          `json:"powered_on"`
}

// Registry is an arena of records with two derived indexes. It is owned by
// the worker goroutine and is not safe for concurrent use.
type Registry struct {
	records  []Record
	byRemote map[string]int
	byLocal  map[host.DeviceID]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byRemote: make(map[string]int),
		byLocal:  make(map[host.DeviceID]int),
	}
}

// Rebuild replaces the registry contents with the enabled devices given.
// Devices without a remote id, or with a remote id already taken, are left out.
func (r *Registry) Rebuild(devices []host.Device) []host.Device {
	r.records = r.records[:0]
	r.byRemote = make(map[string]int)
	r.byLocal = make(map[host.DeviceID]int)

	var rejected []host.Device
	for _, dev := range devices {
		if !dev.Enabled {
			continue
		}
		if !r.StartComm(dev) {
			rejected = append(rejected, dev)
		}
	}
	return rejected
}

// StartComm registers a device the host started communicating with. A device
// already known by local id is marked enabled. A device whose remote id is
// already bound to a different local device is rejected.
func (r *Registry) StartComm(dev host.Device) bool {
	if slot, ok := r.byLocal[dev.ID]; ok {
		r.records[slot].Enabled = true
		return true
	}

	remoteID := dev.RemoteID()
	if remoteID == "" {
		return false
	}
	if _, ok := r.byRemote[remoteID]; ok {
		return false
	}

	power := stateInt(dev.States[host.StatePower])
	r.add(Record{
		LocalID:     dev.ID,
		RemoteID:    remoteID,
		DisplayName: dev.Name,
		PowerWatts:  power,
		Enabled:     true,
		PoweredOn:   stateBool(dev.States[host.StateOnOff]),
	})
	return true
}

// StopComm handles a stop notification from the host
func (r *Registry) StopComm(id host.DeviceID) bool {
	return r.RemoveIfPresent(id)
}

// RemoveIfPresent removes the record for a local device and reports whether
// one was present.
func (r *Registry) RemoveIfPresent(id host.DeviceID) bool {
	slot, ok := r.byLocal[id]
	if !ok {
		return false
	}

	removed := r.records[slot]
	last := len(r.records) - 1
	if slot != last {
		moved := r.records[last]
		r.records[slot] = moved
		r.byLocal[moved.LocalID] = slot
		r.byRemote[moved.RemoteID] = slot
	}
	r.records = r.records[:last]

	delete(r.byLocal, removed.LocalID)
	delete(r.byRemote, removed.RemoteID)
	return true
}

// Lookup returns a copy of the record bound to a remote id
func (r *Registry) Lookup(remoteID string) (Record, bool) {
	if rec := r.byRemoteID(remoteID); rec != nil {
		return *rec, true
	}
	return Record{}, false
}

// LookupLocal returns a copy of the record for a local device id
func (r *Registry) LookupLocal(id host.DeviceID) (Record, bool) {
	slot, ok := r.byLocal[id]
	if !ok {
		return Record{}, false
	}
	return r.records[slot], true
}

// Len returns the number of records
func (r *Registry) Len() int {
	return len(r.records)
}

// Records returns a copy of all records ordered by remote id
func (r *Registry) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// byRemoteID returns a pointer into the arena, valid until the next removal
func (r *Registry) byRemoteID(remoteID string) *Record {
	slot, ok := r.byRemote[remoteID]
	if !ok {
		return nil
	}
	return &r.records[slot]
}

func (r *Registry) add(rec Record) {
	r.records = append(r.records, rec)
	slot := len(r.records) - 1
	r.byRemote[rec.RemoteID] = slot
	r.byLocal[rec.LocalID] = slot
}

func stateInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func stateBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return false
	}
}
