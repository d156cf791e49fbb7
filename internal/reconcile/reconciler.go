// Package reconcile merges the remote device list and realtime readings into
// host device records.
package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sensesync/internal/host"
	"sensesync/internal/sense"
)

const (
	// DeviceType is the host device type owned by the sync engine
	DeviceType = "sensedevice"

	// CoreRemoteID is the remote id of the synthesized whole-home record
	CoreRemoteID = "core"

	// CoreName is the display name of the whole-home record
	CoreName = "Active Total"

	solarRemoteID = "solar"
)

// Options are the per-cycle settings the reconciler depends on
type Options struct {
	SolarEnabled bool
	Folder       host.FolderID
}

// Report counts what one reconciliation pass changed
type Report struct {
	Created  int `json:"created"`
	Renamed  int `json:"renamed"`
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failures int `json:"failures"`
}

// Changed reports whether the pass created, renamed, enabled or disabled anything
func (r Report) Changed() bool {
	return r.Created+r.Renamed+r.Enabled+r.Disabled > 0
}

// Reconciler owns the registry and applies remote state to the host
type Reconciler struct {
	host     host.Host
	registry *Registry
	logger   *zap.Logger

	mu        sync.RWMutex
	published []Record
}

// New creates a reconciler writing into h
func New(h host.Host, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		host:     h,
		registry: NewRegistry(),
		logger:   logger.Named("reconcile"),
	}
}

// Rebuild loads the registry from the host's existing devices
func (r *Reconciler) Rebuild() {
	rejected := r.registry.Rebuild(r.host.DevicesByType(DeviceType))
	for _, dev := range rejected {
		r.logger.Warn("Ignoring device with missing or duplicate remote id",
			zap.Int64("device_id", int64(dev.ID)),
			zap.String("name", dev.Name),
			zap.String("remote_id", dev.RemoteID()))
	}
	r.logger.Info("Registry rebuilt", zap.Int("records", r.registry.Len()))
	r.publish()
}

// HandleComm applies queued host start/stop notifications to the registry
func (r *Reconciler) HandleComm(events []host.CommEvent) {
	for _, ev := range events {
		if ev.Device.Type != DeviceType {
			continue
		}
		switch ev.Kind {
		case host.StartComm:
			if !r.registry.StartComm(ev.Device) {
				r.logger.Warn("Rejected device start",
					zap.Int64("device_id", int64(ev.Device.ID)),
					zap.String("remote_id", ev.Device.RemoteID()))
			}
		case host.StopComm:
			if r.registry.RemoveIfPresent(ev.Device.ID) {
				r.logger.Debug("Removed device from registry",
					zap.Int64("device_id", int64(ev.Device.ID)))
			}
		}
	}
	r.publish()
}

// Records returns the last published copy of the registry. Safe for
// concurrent readers.
func (r *Reconciler) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, len(r.published))
	copy(out, r.published)
	return out
}

func (r *Reconciler) publish() {
	records := r.registry.Records()
	r.mu.Lock()
	r.published = records
	r.mu.Unlock()
}

// pass holds the state of one Reconcile call
type pass struct {
	opts    Options
	report  Report
	errs    error
	dormant map[string]host.Device
}

// Reconcile applies the discovered devices and the snapshot to the host.
// snap may be nil. When fresh is false the snapshot is a cached reading and
// the core record keeps its previous power. Per-device failures are combined
// into the returned error and never stop the remaining devices.
func (r *Reconciler) Reconcile(devices []sense.RemoteDevice, snap *sense.RealtimeSnapshot, fresh bool, opts Options) (Report, error) {
	p := &pass{opts: opts}

	absorbed := make(map[string]bool)
	for _, d := range devices {
		for _, id := range d.MergedDevices() {
			absorbed[id] = true
		}
	}

	for _, d := range devices {
		if d.ID == "" || d.ID == CoreRemoteID {
			p.report.Skipped++
			continue
		}
		if d.ID == solarRemoteID && !opts.SolarEnabled {
			p.report.Skipped++
			continue
		}

		for _, target := range d.MergedDevices() {
			if rec := r.registry.byRemoteID(target); rec != nil && rec.Enabled {
				r.logger.Info("Disabling merged device",
					zap.String("remote_id", target),
					zap.String("merged_into", d.ID))
				r.disable(p, rec)
			}
		}

		r.reconcileDevice(p, d, snap, absorbed[d.ID])
	}

	r.ensureCore(p, snap, fresh)
	r.publish()

	if p.errs != nil {
		r.logger.Warn("Reconciliation finished with failures",
			zap.Int("failures", p.report.Failures),
			zap.Error(p.errs))
	} else {
		r.logger.Debug("Reconciliation finished", zap.Any("report", p.report))
	}

	return p.report, p.errs
}

// EnsureCore makes sure the whole-home record exists and is enabled
func (r *Reconciler) EnsureCore(opts Options) error {
	p := &pass{opts: opts}
	r.ensureCore(p, nil, false)
	r.publish()
	return p.errs
}

func (r *Reconciler) reconcileDevice(p *pass, d sense.RemoteDevice, snap *sense.RealtimeSnapshot, absorbed bool) {
	revoked := d.Revoked()
	rec := r.registry.byRemoteID(d.ID)

	if rec != nil {
		if revoked || absorbed {
			r.disable(p, rec)
			return
		}
		if !rec.Enabled {
			r.enable(p, rec)
		}
		r.rename(p, rec, d.Name)
		if snap != nil {
			watts, present := snap.Watts(d.ID)
			r.setPower(p, rec, watts, present)
		}
		return
	}

	if revoked || absorbed {
		return
	}

	if rec = r.adoptDormant(p, d.ID); rec != nil {
		r.rename(p, rec, d.Name)
		if snap != nil {
			watts, present := snap.Watts(d.ID)
			r.setPower(p, rec, watts, present)
		}
		return
	}

	if rec = r.create(p, d.ID, d.Name); rec != nil && snap != nil {
		watts, present := snap.Watts(d.ID)
		r.setPower(p, rec, watts, present)
	}
}

func (r *Reconciler) ensureCore(p *pass, snap *sense.RealtimeSnapshot, fresh bool) {
	rec := r.registry.byRemoteID(CoreRemoteID)
	if rec != nil {
		if _, err := r.host.Device(rec.LocalID); errors.Is(err, host.ErrDeviceNotFound) {
			r.logger.Warn("Core device was deleted on the host",
				zap.Int64("device_id", int64(rec.LocalID)))
			r.registry.RemoveIfPresent(rec.LocalID)
			rec = nil
		}
	}
	if rec == nil {
		rec = r.adoptDormant(p, CoreRemoteID)
	}
	if rec == nil {
		r.logger.Info("Core record missing, creating it")
		rec = r.create(p, CoreRemoteID, CoreName)
		if rec == nil {
			return
		}
	}
	if !rec.Enabled {
		r.enable(p, rec)
	}
	if fresh && snap != nil {
		r.setPower(p, rec, int(snap.ActiveWatts), true)
	}
}

// adoptDormant re-enables a disabled host device already bound to remoteID
func (r *Reconciler) adoptDormant(p *pass, remoteID string) *Record {
	if p.dormant == nil {
		p.dormant = make(map[string]host.Device)
		for _, dev := range r.host.DevicesByType(DeviceType) {
			if dev.Enabled {
				continue
			}
			if id := dev.RemoteID(); id != "" {
				if _, seen := p.dormant[id]; !seen {
					p.dormant[id] = dev
				}
			}
		}
	}

	dev, ok := p.dormant[remoteID]
	if !ok {
		return nil
	}
	delete(p.dormant, remoteID)

	if err := r.host.EnableDevice(dev.ID, true); err != nil {
		r.fail(p, fmt.Errorf("enable device %d (%s): %w", dev.ID, remoteID, err))
		return nil
	}
	p.report.Enabled++
	dev.Enabled = true
	if !r.registry.StartComm(dev) {
		return nil
	}
	r.logger.Info("Re-enabled device", zap.String("remote_id", remoteID), zap.String("name", dev.Name))
	return r.registry.byRemoteID(remoteID)
}

func (r *Reconciler) create(p *pass, remoteID, name string) *Record {
	dev, err := r.host.CreateDevice(name, DeviceType, p.opts.Folder)
	if err != nil {
		switch {
		case errors.Is(err, host.ErrDuplicateName):
			dup := &DuplicateNameError{Op: "create", Name: name, RemoteID: remoteID, Err: err}
			r.logger.Warn("Device name already in use, will retry next cycle",
				zap.String("name", name),
				zap.String("remote_id", remoteID))
			r.fail(p, dup)
		case errors.Is(err, host.ErrFolderNotFound):
			r.fail(p, fmt.Errorf("%w: create %q: %w", sense.ErrValidation, name, err))
		default:
			r.fail(p, fmt.Errorf("create %q: %w", name, err))
		}
		return nil
	}

	var errs error
	errs = multierr.Append(errs, r.host.SetState(dev.ID, host.StateRemoteID, remoteID))
	errs = multierr.Append(errs, r.host.SetState(dev.ID, host.StatePower, 0))
	errs = multierr.Append(errs, r.host.SetState(dev.ID, host.StateOnOff, false))
	if errs != nil {
		r.fail(p, fmt.Errorf("initialize %q: %w", name, errs))
	}

	dev.States[host.StateRemoteID] = remoteID
	if !r.registry.StartComm(dev) {
		r.fail(p, fmt.Errorf("register %q: remote id %s already bound", name, remoteID))
		return nil
	}

	p.report.Created++
	r.logger.Info("Created device",
		zap.String("name", name),
		zap.String("remote_id", remoteID),
		zap.Int64("device_id", int64(dev.ID)))
	return r.registry.byRemoteID(remoteID)
}

// rename compares against the live host name so renames made on the host
// are reverted to the remote name
func (r *Reconciler) rename(p *pass, rec *Record, name string) {
	if name == "" {
		return
	}
	if dev, err := r.host.Device(rec.LocalID); err == nil {
		rec.DisplayName = dev.Name
	}
	if rec.DisplayName == name {
		return
	}
	if err := r.host.RenameDevice(rec.LocalID, name); err != nil {
		if errors.Is(err, host.ErrDuplicateName) {
			r.logger.Warn("Rename collides with an existing device, keeping old name",
				zap.String("remote_id", rec.RemoteID),
				zap.String("name", rec.DisplayName),
				zap.String("wanted", name))
			r.fail(p, &DuplicateNameError{Op: "rename", Name: name, RemoteID: rec.RemoteID, Err: err})
			return
		}
		r.fail(p, fmt.Errorf("rename %s: %w", rec.RemoteID, err))
		return
	}
	r.logger.Info("Renamed device",
		zap.String("remote_id", rec.RemoteID),
		zap.String("from", rec.DisplayName),
		zap.String("to", name))
	rec.DisplayName = name
	p.report.Renamed++
}

func (r *Reconciler) enable(p *pass, rec *Record) {
	if err := r.host.EnableDevice(rec.LocalID, true); err != nil {
		r.fail(p, fmt.Errorf("enable %s: %w", rec.RemoteID, err))
		return
	}
	rec.Enabled = true
	p.report.Enabled++
}

func (r *Reconciler) disable(p *pass, rec *Record) {
	if !rec.Enabled {
		return
	}
	if err := r.host.EnableDevice(rec.LocalID, false); err != nil {
		r.fail(p, fmt.Errorf("disable %s: %w", rec.RemoteID, err))
		return
	}
	rec.Enabled = false
	p.report.Disabled++
	r.logger.Info("Disabled device",
		zap.String("remote_id", rec.RemoteID),
		zap.String("name", rec.DisplayName))
}

func (r *Reconciler) setPower(p *pass, rec *Record, watts int, on bool) {
	if rec.PowerWatts == watts && rec.PoweredOn == on {
		return
	}
	err := multierr.Combine(
		r.host.SetState(rec.LocalID, host.StatePower, watts),
		r.host.SetState(rec.LocalID, host.StateOnOff, on),
	)
	if err != nil {
		r.fail(p, fmt.Errorf("update power %s: %w", rec.RemoteID, err))
		return
	}
	rec.PowerWatts = watts
	rec.PoweredOn = on
	p.report.Updated++
}

func (r *Reconciler) fail(p *pass, err error) {
	p.report.Failures++
	p.errs = multierr.Append(p.errs, err)
}
