package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sensesync/internal/host"
	"sensesync/internal/sense"
)

func newTestReconciler(t *testing.T) (*Reconciler, *host.Memory) {
	t.Helper()
	mem := host.NewMemory()
	r := New(mem, zap.NewNop())
	r.Rebuild()
	return r, mem
}

func snapshot(active float64, watts map[string]int) *sense.RealtimeSnapshot {
	if watts == nil {
		watts = map[string]int{}
	}
	return &sense.RealtimeSnapshot{
		Timestamp:   time.Now(),
		ActiveWatts: active,
		DeviceWatts: watts,
	}
}

func remote(id, name string, tags sense.Tags) sense.RemoteDevice {
	return sense.RemoteDevice{ID: id, Name: name, Tags: tags}
}

// cycle runs one reconciliation the way the worker does: drain host
// notifications first, then reconcile.
func cycle(r *Reconciler, mem *host.Memory, devices []sense.RemoteDevice, snap *sense.RealtimeSnapshot, fresh bool, opts Options) (Report, error) {
	r.HandleComm(mem.DrainCommEvents())
	report, err := r.Reconcile(devices, snap, fresh, opts)
	r.HandleComm(mem.DrainCommEvents())
	return report, err
}

func enabledRemoteIDs(mem *host.Memory) map[string]int {
	counts := make(map[string]int)
	for _, dev := range mem.DevicesByType(DeviceType) {
		if dev.Enabled {
			counts[dev.RemoteID()]++
		}
	}
	return counts
}

func TestReconcile_CreatesDeviceAndCore(t *testing.T) {
	r, mem := newTestReconciler(t)

	report, err := cycle(r, mem,
		[]sense.RemoteDevice{remote("1", "Fridge", sense.Tags{})},
		snapshot(1500, map[string]int{"1": 120}), true, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)

	rec, ok := r.registry.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, "Fridge", rec.DisplayName)
	assert.Equal(t, 120, rec.PowerWatts)
	assert.True(t, rec.Enabled)
	assert.True(t, rec.PoweredOn)

	core, ok := r.registry.Lookup(CoreRemoteID)
	require.True(t, ok)
	assert.Equal(t, CoreName, core.DisplayName)
	assert.Equal(t, 1500, core.PowerWatts)

	dev, ok := mem.DeviceByName("Fridge")
	require.True(t, ok)
	assert.Equal(t, "1", dev.RemoteID())
	assert.Equal(t, 120, dev.States[host.StatePower])
	assert.Equal(t, true, dev.States[host.StateOnOff])

	assert.Len(t, r.Records(), 2)
}

func TestReconcile_Idempotent(t *testing.T) {
	r, mem := newTestReconciler(t)
	devices := []sense.RemoteDevice{
		remote("1", "Fridge", nil),
		remote("2", "Dryer", nil),
		remote("3", "Old TV", sense.Tags{sense.TagRevoked: "true"}),
		remote("4", "Heat Pump", sense.Tags{sense.TagMergedDevices: "5"}),
		remote("5", "Heat Pump 2", nil),
	}
	snap := snapshot(900, map[string]int{"1": 100, "4": 700})

	_, err := cycle(r, mem, devices, snap, true, Options{})
	require.NoError(t, err)
	before := r.Records()
	mem.ClearOperations()

	report, err := cycle(r, mem, devices, snap, true, Options{})
	require.NoError(t, err)

	assert.False(t, report.Changed())
	assert.Zero(t, report.Updated)
	assert.Empty(t, mem.Operations(), "second pass issues no host mutations")
	assert.Equal(t, before, r.Records())
}

func TestReconcile_Convergence(t *testing.T) {
	devices := []sense.RemoteDevice{
		remote("a", "A", nil),
		remote("b", "B", sense.Tags{sense.TagUserDeleted: "true"}),
		remote("c", "C", sense.Tags{sense.TagMergedDevices: "d,e"}),
		remote("d", "D", nil),
		remote("f", "F", sense.Tags{sense.TagRevoked: "false"}),
		remote("solar", "Solar", nil),
		remote("e", "E", nil),
	}

	r, mem := newTestReconciler(t)
	_, err := cycle(r, mem, devices, nil, false, Options{SolarEnabled: true})
	require.NoError(t, err)

	counts := enabledRemoteIDs(mem)
	for _, id := range []string{"a", "c", "f", "solar", CoreRemoteID} {
		assert.Equal(t, 1, counts[id], "expected exactly one enabled record for %s", id)
	}
	for _, id := range []string{"b", "d", "e"} {
		assert.Zero(t, counts[id], "expected no enabled record for %s", id)
	}
}

func TestReconcile_RevokedDisables(t *testing.T) {
	r, mem := newTestReconciler(t)
	_, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)},
		snapshot(500, map[string]int{"1": 120}), true, Options{})
	require.NoError(t, err)

	report, err := r.Reconcile([]sense.RemoteDevice{remote("1", "Fridge", sense.Tags{sense.TagRevoked: "true"})},
		snapshot(400, map[string]int{"1": 80}), true, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Disabled)

	rec, ok := r.registry.Lookup("1")
	require.True(t, ok)
	assert.False(t, rec.Enabled)
	assert.Equal(t, "Fridge", rec.DisplayName)
	assert.Equal(t, 120, rec.PowerWatts, "power left at last known value")

	dev, _ := mem.DeviceByName("Fridge")
	assert.False(t, dev.Enabled)
	assert.Equal(t, 120, dev.States[host.StatePower])

	// The stop notification removes the record but never the host device
	r.HandleComm(mem.DrainCommEvents())
	_, ok = r.registry.Lookup("1")
	assert.False(t, ok)
	_, ok = mem.DeviceByName("Fridge")
	assert.True(t, ok)

	// Still revoked: nothing happens
	report, err = cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", sense.Tags{sense.TagRevoked: "true"})},
		nil, false, Options{})
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func TestReconcile_UnrevokedDeviceIsReenabled(t *testing.T) {
	r, mem := newTestReconciler(t)
	_, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{})
	require.NoError(t, err)
	_, err = cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", sense.Tags{sense.TagRevoked: "true"})}, nil, false, Options{})
	require.NoError(t, err)

	report, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enabled)
	assert.Zero(t, report.Created)
	assert.Len(t, mem.DevicesByType(DeviceType), 2, "no duplicate device created")

	rec, ok := r.registry.Lookup("1")
	require.True(t, ok)
	assert.True(t, rec.Enabled)
}

func TestReconcile_MergeDisablesTarget(t *testing.T) {
	tests := []struct {
		name string
		tags sense.Tags
	}{
		{"merging device active", sense.Tags{sense.TagMergedDevices: "1"}},
		{"merging device revoked", sense.Tags{sense.TagMergedDevices: "1", sense.TagRevoked: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mem := newTestReconciler(t)
			_, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{})
			require.NoError(t, err)

			report, err := cycle(r, mem, []sense.RemoteDevice{remote("2", "Kitchen", tt.tags)}, nil, false, Options{})
			require.NoError(t, err)
			assert.GreaterOrEqual(t, report.Disabled, 1)

			dev, ok := mem.DeviceByName("Fridge")
			require.True(t, ok, "merged device is disabled, never deleted")
			assert.False(t, dev.Enabled)
		})
	}
}

func TestReconcile_MergedDevicesStayDisabled(t *testing.T) {
	merger := remote("A", "Combined", sense.Tags{sense.TagMergedDevices: "B"})
	target := remote("B", "Part", nil)

	tests := []struct {
		name    string
		prior   bool
		devices []sense.RemoteDevice
	}{
		{"target listed after merger, empty registry", false, []sense.RemoteDevice{merger, target}},
		{"target listed before merger, empty registry", false, []sense.RemoteDevice{target, merger}},
		{"target listed after merger, prior record", true, []sense.RemoteDevice{merger, target}},
		{"target listed before merger, prior record", true, []sense.RemoteDevice{target, merger}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, mem := newTestReconciler(t)
			if tt.prior {
				_, err := cycle(r, mem, []sense.RemoteDevice{target}, nil, false, Options{})
				require.NoError(t, err)
				require.Equal(t, 1, enabledRemoteIDs(mem)["B"])
			}

			_, err := cycle(r, mem, tt.devices, nil, false, Options{})
			require.NoError(t, err)
			assert.Zero(t, enabledRemoteIDs(mem)["B"])
			assert.Equal(t, 1, enabledRemoteIDs(mem)["A"])

			// And it stays that way
			report, err := cycle(r, mem, tt.devices, nil, false, Options{})
			require.NoError(t, err)
			assert.False(t, report.Changed())
		})
	}
}

func TestReconcile_DuplicateNameOnCreate(t *testing.T) {
	r, mem := newTestReconciler(t)
	_, err := mem.CreateDevice("Kitchen", "dimmer", 0)
	require.NoError(t, err)
	mem.DrainCommEvents()

	report, err := cycle(r, mem, []sense.RemoteDevice{
		remote("k", "Kitchen", nil),
		remote("f", "Fridge", nil),
	}, nil, false, Options{})
	require.Error(t, err)

	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "create", dup.Op)
	assert.Equal(t, "Kitchen", dup.Name)
	assert.Equal(t, "k", dup.RemoteID)
	assert.ErrorIs(t, err, host.ErrDuplicateName)

	_, ok := r.registry.Lookup("k")
	assert.False(t, ok, "no partial record")
	_, ok = r.registry.Lookup("f")
	assert.True(t, ok, "other devices are still processed")
	assert.Equal(t, 1, report.Failures)

	// Retried next cycle once the name is free
	other, _ := mem.DeviceByName("Kitchen")
	require.NoError(t, mem.RenameDevice(other.ID, "Kitchen Lights"))

	report, err = cycle(r, mem, []sense.RemoteDevice{remote("k", "Kitchen", nil)}, nil, false, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
}

func TestReconcile_Rename(t *testing.T) {
	r, mem := newTestReconciler(t)
	_, err := cycle(r, mem, []sense.RemoteDevice{
		remote("1", "Fridge", nil),
		remote("2", "Freezer", nil),
	}, nil, false, Options{})
	require.NoError(t, err)

	t.Run("collision keeps old name", func(t *testing.T) {
		report, err := cycle(r, mem, []sense.RemoteDevice{
			remote("1", "Freezer", nil),
			remote("2", "Freezer", nil),
		}, nil, false, Options{})

		var dup *DuplicateNameError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, "rename", dup.Op)
		assert.Equal(t, 1, report.Failures)
		assert.Len(t, multierr.Errors(err), 1)

		rec, _ := r.registry.Lookup("1")
		assert.Equal(t, "Fridge", rec.DisplayName)
	})

	t.Run("successful rename", func(t *testing.T) {
		report, err := cycle(r, mem, []sense.RemoteDevice{
			remote("1", "Kitchen Fridge", nil),
			remote("2", "Freezer", nil),
		}, nil, false, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Renamed)

		_, ok := mem.DeviceByName("Kitchen Fridge")
		assert.True(t, ok)
	})

	t.Run("host rename reverted to remote name", func(t *testing.T) {
		rec, ok := r.registry.Lookup("1")
		require.True(t, ok)
		require.NoError(t, mem.RenameDevice(rec.LocalID, "Renamed by user"))

		report, err := cycle(r, mem, []sense.RemoteDevice{
			remote("1", "Kitchen Fridge", nil),
			remote("2", "Freezer", nil),
		}, nil, false, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Renamed)

		dev, err := mem.Device(rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "Kitchen Fridge", dev.Name)

		rec, _ = r.registry.Lookup("1")
		assert.Equal(t, "Kitchen Fridge", rec.DisplayName)
	})
}

func TestReconcile_SolarDevice(t *testing.T) {
	devices := []sense.RemoteDevice{remote("solar", "Solar", nil)}

	t.Run("skipped when solar reporting is off", func(t *testing.T) {
		r, mem := newTestReconciler(t)
		report, err := cycle(r, mem, devices, nil, false, Options{SolarEnabled: false})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		_, ok := r.registry.Lookup("solar")
		assert.False(t, ok)
	})

	t.Run("reconciled when solar reporting is on", func(t *testing.T) {
		r, mem := newTestReconciler(t)
		_, err := cycle(r, mem, devices, nil, false, Options{SolarEnabled: true})
		require.NoError(t, err)
		_, ok := r.registry.Lookup("solar")
		assert.True(t, ok)
	})
}

func TestReconcile_PowerStates(t *testing.T) {
	r, mem := newTestReconciler(t)
	devices := []sense.RemoteDevice{remote("1", "Fridge", nil), remote("2", "Dryer", nil)}

	_, err := cycle(r, mem, devices, snapshot(2000, map[string]int{"1": 120, "2": 1800}), true, Options{})
	require.NoError(t, err)

	_, err = cycle(r, mem, devices, snapshot(150, map[string]int{"1": 130}), true, Options{})
	require.NoError(t, err)

	dryer, _ := r.registry.Lookup("2")
	assert.Equal(t, 0, dryer.PowerWatts, "absent from snapshot means zero")
	assert.False(t, dryer.PoweredOn)

	fridge, _ := r.registry.Lookup("1")
	assert.Equal(t, 130, fridge.PowerWatts)
	assert.True(t, fridge.PoweredOn)
}

func TestReconcile_StaleSnapshotKeepsCorePower(t *testing.T) {
	r, mem := newTestReconciler(t)
	devices := []sense.RemoteDevice{remote("1", "Fridge", nil)}
	cached := snapshot(1500, map[string]int{"1": 120})

	_, err := cycle(r, mem, devices, cached, true, Options{})
	require.NoError(t, err)

	// The next realtime read timed out; the cached snapshot is reused
	_, err = cycle(r, mem, devices, cached, false, Options{})
	require.NoError(t, err)

	core, _ := r.registry.Lookup(CoreRemoteID)
	assert.Equal(t, 1500, core.PowerWatts)
	fridge, _ := r.registry.Lookup("1")
	assert.Equal(t, 120, fridge.PowerWatts)

	// With no snapshot at all, nothing is clobbered
	_, err = cycle(r, mem, devices, nil, false, Options{})
	require.NoError(t, err)
	fridge, _ = r.registry.Lookup("1")
	assert.Equal(t, 120, fridge.PowerWatts)
	core, _ = r.registry.Lookup(CoreRemoteID)
	assert.Equal(t, 1500, core.PowerWatts)
}

func TestReconcile_CoreRecreatedAfterDeletion(t *testing.T) {
	r, mem := newTestReconciler(t)
	_, err := cycle(r, mem, nil, snapshot(100, nil), true, Options{})
	require.NoError(t, err)

	core, ok := r.registry.Lookup(CoreRemoteID)
	require.True(t, ok)
	require.NoError(t, mem.DeleteDevice(core.LocalID))

	t.Run("after the stop notification", func(t *testing.T) {
		report, err := cycle(r, mem, nil, snapshot(200, nil), true, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Created)

		rec, ok := r.registry.Lookup(CoreRemoteID)
		require.True(t, ok)
		assert.Equal(t, 200, rec.PowerWatts)
	})

	t.Run("before the stop notification is drained", func(t *testing.T) {
		rec, _ := r.registry.Lookup(CoreRemoteID)
		require.NoError(t, mem.DeleteDevice(rec.LocalID))

		report, err := r.Reconcile(nil, snapshot(300, nil), true, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Created)
		r.HandleComm(mem.DrainCommEvents())

		rec, ok := r.registry.Lookup(CoreRemoteID)
		require.True(t, ok)
		assert.Equal(t, 300, rec.PowerWatts)
	})
}

func TestReconcile_FolderValidation(t *testing.T) {
	r, mem := newTestReconciler(t)

	report, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{Folder: 77})
	require.Error(t, err)
	assert.ErrorIs(t, err, sense.ErrValidation)
	assert.ErrorIs(t, err, host.ErrFolderNotFound)
	assert.Equal(t, 2, report.Failures, "device and core both fail")

	mem.AddFolder(77, "Energy")
	report, err = cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{Folder: 77})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
}

func TestReconciler_RebuildFromHost(t *testing.T) {
	mem := host.NewMemory()
	dev, err := mem.CreateDevice("Fridge", DeviceType, 0)
	require.NoError(t, err)
	require.NoError(t, mem.SetState(dev.ID, host.StateRemoteID, "1"))
	require.NoError(t, mem.SetState(dev.ID, host.StatePower, 55))
	mem.DrainCommEvents()

	r := New(mem, zap.NewNop())
	r.Rebuild()

	rec, ok := r.registry.Lookup("1")
	require.True(t, ok)
	assert.Equal(t, 55, rec.PowerWatts)

	report, err := cycle(r, mem, []sense.RemoteDevice{remote("1", "Fridge", nil)}, nil, false, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created, "only the core record is new")
}

func TestReconciler_EnsureCore(t *testing.T) {
	r, mem := newTestReconciler(t)

	require.NoError(t, r.EnsureCore(Options{}))
	require.NoError(t, r.EnsureCore(Options{}))

	assert.Equal(t, 1, enabledRemoteIDs(mem)[CoreRemoteID])
}
