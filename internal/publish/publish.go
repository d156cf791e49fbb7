// Package publish pushes per-cycle power readings to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sensesync/internal/reconcile"
	"sensesync/internal/sense"
)

// Sink delivers one message
type Sink interface {
	Publish(topic string, payload []byte) error
}

// TotalMessage is published on <prefix>/total
type TotalMessage struct {
	Timestamp   time.Time `json:"timestamp"`
	ActiveWatts int       `json:"w"`
	SolarWatts  *int      `json:"solar_w,omitempty"`
}

// DeviceMessage is published on <prefix>/device/<remote id>
type DeviceMessage struct {
	Name  string `json:"name"`
	Watts int    `json:"w"`
	On    bool   `json:"on"`
}

// DailyMessage is published on <prefix>/daily
type DailyMessage struct {
	UsageKWh      float64 `json:"usage_kwh"`
	ProductionKWh float64 `json:"production_kwh"`
}

// Cycle is everything published after one polling cycle
type Cycle struct {
	Snapshot        *sense.RealtimeSnapshot
	Fresh           bool
	Records         []reconcile.Record
	DailyUsage      float64
	DailyProduction float64
	SolarEnabled    bool
}

// Publisher formats cycle results into topics under a prefix
type Publisher struct {
	sink   Sink
	prefix string
	logger *zap.Logger
}

// New creates a publisher writing to sink
func New(sink Sink, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{
		sink:   sink,
		prefix: strings.TrimRight(prefix, "/"),
		logger: logger.Named("publish"),
	}
}

// PublishCycle publishes the whole-home total (fresh snapshots only), the
// enabled device records and the daily totals. Every topic is attempted
// even when an earlier one fails.
func (p *Publisher) PublishCycle(c Cycle) error {
	var errs error

	if c.Fresh && c.Snapshot != nil {
		total := TotalMessage{
			Timestamp:   c.Snapshot.Timestamp,
			ActiveWatts: int(c.Snapshot.ActiveWatts),
		}
		if c.SolarEnabled && c.Snapshot.HasSolar {
			solar := int(c.Snapshot.SolarWatts)
			total.SolarWatts = &solar
		}
		errs = multierr.Append(errs, p.send("total", total))
	}

	for _, rec := range c.Records {
		if !rec.Enabled || rec.RemoteID == reconcile.CoreRemoteID {
			continue
		}
		errs = multierr.Append(errs, p.send("device/"+rec.RemoteID, DeviceMessage{
			Name:  rec.DisplayName,
			Watts: rec.PowerWatts,
			On:    rec.PoweredOn,
		}))
	}

	errs = multierr.Append(errs, p.send("daily", DailyMessage{
		UsageKWh:      c.DailyUsage,
		ProductionKWh: c.DailyProduction,
	}))

	if errs != nil {
		p.logger.Warn("Some messages were not published", zap.Error(errs))
	}
	return errs
}

func (p *Publisher) send(suffix string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", suffix, err)
	}
	topic := p.prefix + "/" + suffix
	if err := p.sink.Publish(topic, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}
