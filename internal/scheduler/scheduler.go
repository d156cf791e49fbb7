// Package scheduler drives the polling cycle: session, realtime read, audit
// log, trends, discovery, reconciliation and publishing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sensesync/internal/auditlog"
	"sensesync/internal/config"
	"sensesync/internal/host"
	"sensesync/internal/metrics"
	"sensesync/internal/publish"
	"sensesync/internal/reconcile"
	"sensesync/internal/sense"
)

// State is the scheduler lifecycle state
type State int32

const (
	Idle State = iota
	WarmingUp
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WarmingUp:
		return "warming_up"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SenseClient is the part of the Sense client the scheduler uses
type SenseClient interface {
	Authenticate(ctx context.Context, username, password string, rateLimit time.Duration) (sense.Session, error)
	Authenticated() bool
	SetRateLimit(limit time.Duration)
	PollRealtime(ctx context.Context) (*sense.RealtimeSnapshot, error)
	Realtime() *sense.RealtimeSnapshot
	RefreshTrends(ctx context.Context) error
	DailyUsage() float64
	DailyProduction() float64
	DiscoveredDevices(ctx context.Context) ([]sense.RemoteDevice, error)
}

// Publisher receives the results of every cycle
type Publisher interface {
	PublishCycle(c publish.Cycle) error
}

// Config wires the scheduler's collaborators. Comm, Metrics and Publisher are optional.
type Config struct {
	Client     SenseClient
	Reconciler *reconcile.Reconciler
	Comm       host.CommSource
	Store      *config.Store
	Metrics    *metrics.Metrics
	Publisher  Publisher
	Clock      clockwork.Clock
}

// Status is a point-in-time view of the scheduler for the status API
type Status struct {
	State      string           `json:"state"`
	Cycles     int              `json:"cycles"`
	LastCycle  time.Time        `json:"last_cycle,omitempty"`
	LastReport reconcile.Report `json:"last_report"`
	LastError  string           `json:"last_error,omitempty"`
	Fresh      bool             `json:"fresh"`
}

// Scheduler runs the polling loop on a single worker goroutine
type Scheduler struct {
	client     SenseClient
	reconciler *reconcile.Reconciler
	comm       host.CommSource
	store      *config.Store
	metrics    *metrics.Metrics
	publisher  Publisher
	clock      clockwork.Clock
	logger     *zap.Logger

	// owned by the worker
	session  config.Settings
	auditLog *auditlog.Log

	mu         sync.RWMutex
	state      State
	cycles     int
	lastCycle  time.Time
	lastReport reconcile.Report
	lastErr    error
	fresh      bool

	applied  <-chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler in the Idle state
func New(cfg Config, logger *zap.Logger) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var applied <-chan struct{}
	if cfg.Store != nil {
		applied = cfg.Store.Subscribe()
	}
	return &Scheduler{
		applied:    applied,
		client:     cfg.Client,
		reconciler: cfg.Reconciler,
		comm:       cfg.Comm,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		publisher:  cfg.Publisher,
		clock:      clock,
		logger:     logger.Named("scheduler"),
		state:      Idle,
		stopCh:     make(chan struct{}),
	}
}

// Run waits the grace delay and then polls until ctx is done or Stop is
// called. Cycle failures are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		s.setState(Stopped)
		s.logger.Info("Scheduler stopped")
	}()

	s.setState(WarmingUp)
	grace := s.store.Settings().GraceDelay()
	s.logger.Info("Waiting for host to finish starting", zap.Duration("grace_delay", grace))
	if !s.sleep(ctx, grace) {
		return nil
	}

	s.setState(Polling)
	for {
		settings := s.store.Settings()
		s.RunCycle(ctx, settings)

		if !s.sleep(ctx, settings.RateLimit()) {
			return nil
		}
	}
}

// Stop ends Run, interrupting the grace delay or the sleep between cycles
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastReport returns the report of the most recent reconciliation
func (s *Scheduler) LastReport() reconcile.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Status returns a snapshot of the scheduler's progress
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:      s.state.String(),
		Cycles:     s.cycles,
		LastCycle:  s.lastCycle,
		LastReport: s.lastReport,
		Fresh:      s.fresh,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// sleep waits d on the scheduler clock and reports false if ctx ended first.
// Settings published while waiting are applied without ending the wait.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.Chan():
			return true
		case <-s.applied:
			s.applySettings()
		case <-ctx.Done():
			return false
		}
	}
}

// applySettings makes sure the whole-home device exists under the newly
// published settings. It runs on the worker so the registry has one owner.
func (s *Scheduler) applySettings() {
	settings, version := s.store.Load()
	s.logger.Info("Applying settings", zap.Uint64("version", version))

	if s.comm != nil {
		s.reconciler.HandleComm(s.comm.DrainCommEvents())
	}
	err := s.reconciler.EnsureCore(reconcile.Options{
		SolarEnabled: settings.SolarEnabled,
		Folder:       host.FolderID(settings.FolderID),
	})
	if err != nil {
		s.logger.Error("Failed to ensure whole-home device", zap.Error(err))
	}
}

// RunCycle performs one polling cycle with the given settings snapshot and
// returns the combined failures of its steps.
func (s *Scheduler) RunCycle(ctx context.Context, settings config.Settings) error {
	var errs error
	fail := func(step string, err error) {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", step, err))
		if s.metrics != nil {
			s.metrics.StepFailed(step)
		}
	}

	if err := s.ensureSession(ctx, settings); err != nil {
		fail("auth", err)
		s.finishCycle(reconcile.Report{}, false, errs)
		return errs
	}

	snap, err := s.client.PollRealtime(ctx)
	fresh := err == nil
	if err != nil {
		if errors.Is(err, sense.ErrAPITimeout) {
			s.logger.Warn("Realtime feed timed out, using cached snapshot", zap.Error(err))
		} else {
			s.logger.Error("Failed to read realtime feed", zap.Error(err))
		}
		fail("realtime", err)
		snap = s.client.Realtime()
	} else {
		s.logger.Debug("Active power", zap.Int("watts", int(snap.ActiveWatts)))
		if settings.SolarEnabled && snap.HasSolar {
			s.logger.Debug("Active solar power", zap.Int("watts", int(snap.SolarWatts)))
		}
		if s.metrics != nil {
			s.metrics.ObserveSnapshot(snap)
		}
		if err := s.appendAudit(settings, snap); err != nil {
			s.logger.Error("Failed to append audit log", zap.Error(err))
			fail("auditlog", err)
		}
	}

	if err := s.client.RefreshTrends(ctx); err != nil {
		s.logger.Error("Failed to refresh trends", zap.Error(err))
		fail("trends", err)
	}
	s.logger.Debug("Daily usage", zap.Float64("kwh", s.client.DailyUsage()))
	if settings.SolarEnabled {
		s.logger.Debug("Daily solar production", zap.Float64("kwh", s.client.DailyProduction()))
	}
	if s.metrics != nil {
		s.metrics.ObserveTrends(s.client.DailyUsage(), s.client.DailyProduction())
	}

	devices, err := s.client.DiscoveredDevices(ctx)
	if err != nil {
		s.logger.Error("Failed to discover devices", zap.Error(err))
		fail("discovery", err)
		devices = nil
	}

	if s.comm != nil {
		s.reconciler.HandleComm(s.comm.DrainCommEvents())
	}
	report, err := s.reconciler.Reconcile(devices, snap, fresh, reconcile.Options{
		SolarEnabled: settings.SolarEnabled,
		Folder:       host.FolderID(settings.FolderID),
	})
	if err != nil {
		fail("reconcile", err)
	}
	records := s.reconciler.Records()

	if s.metrics != nil {
		s.metrics.ObserveReport(report)
		s.metrics.ObserveRecords(records)
	}

	if s.publisher != nil {
		err := s.publisher.PublishCycle(publish.Cycle{
			Snapshot:        snap,
			Fresh:           fresh,
			Records:         records,
			DailyUsage:      s.client.DailyUsage(),
			DailyProduction: s.client.DailyProduction(),
			SolarEnabled:    settings.SolarEnabled,
		})
		if err != nil {
			fail("publish", err)
		}
	}

	s.finishCycle(report, fresh, errs)
	return errs
}

// ensureSession authenticates when no session is held or the credentials
// changed, and applies the current rate limit to the session.
func (s *Scheduler) ensureSession(ctx context.Context, settings config.Settings) error {
	if s.client.Authenticated() && s.session.SameCredentials(settings) {
		s.client.SetRateLimit(settings.RateLimit())
		return nil
	}

	if s.client.Authenticated() {
		s.logger.Info("Credentials changed, re-authenticating")
	}

	_, err := s.client.Authenticate(ctx, settings.Username, settings.Password, settings.RateLimit())
	if s.metrics != nil {
		s.metrics.SetAuthenticated(err == nil)
	}
	if err != nil {
		var authErr *sense.AuthenticationError
		if errors.As(err, &authErr) {
			s.logger.Error("Authentication rejected, check username and password",
				zap.Int("status", authErr.StatusCode))
		} else {
			s.logger.Error("Authentication failed", zap.Error(err))
		}
		return err
	}

	s.session = settings
	return nil
}

func (s *Scheduler) appendAudit(settings config.Settings, snap *sense.RealtimeSnapshot) error {
	if settings.AuditLogPath == "" {
		return nil
	}
	if s.auditLog == nil || s.auditLog.Path() != settings.AuditLogPath {
		s.auditLog = auditlog.New(settings.AuditLogPath, s.logger)
	}
	_, err := s.auditLog.Append(snap.Timestamp, int(snap.ActiveWatts))
	return err
}

func (s *Scheduler) finishCycle(report reconcile.Report, fresh bool, errs error) {
	now := s.clock.Now()

	s.mu.Lock()
	s.cycles++
	s.lastCycle = now
	s.lastReport = report
	s.lastErr = errs
	s.fresh = fresh
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CycleFinished(errs == nil, now)
	}
	if errs != nil {
		s.logger.Warn("Cycle finished with errors", zap.Int("failures", len(multierr.Errors(errs))))
		return
	}
	s.logger.Debug("Cycle finished", zap.Any("report", report))
}
