package sense

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Scale is an aggregation scale accepted by the trends endpoint
type Scale string

const (
	ScaleDay   Scale = "DAY"
	ScaleWeek  Scale = "WEEK"
	ScaleMonth Scale = "MONTH"
	ScaleYear  Scale = "YEAR"
)

// ValidScales lists the scales refreshed by RefreshTrends, in request order
var ValidScales = []Scale{ScaleDay, ScaleWeek, ScaleMonth, ScaleYear}

const trendStartLayout = "2006-01-02T15:04:05"

// ParseScale matches s case-insensitively against the supported scales
func ParseScale(s string) (Scale, error) {
	candidate := Scale(strings.ToUpper(strings.TrimSpace(s)))
	for _, scale := range ValidScales {
		if scale == candidate {
			return scale, nil
		}
	}
	return "", fmt.Errorf("%w: %q not a valid scale", ErrValidation, s)
}

// TrendTotals holds the total of one side of a trend response
type TrendTotals struct {
	Total float64 `json:"total"`
}

// Trend is the parsed result of one trends request
type Trend struct {
	Scale       Scale           `json:"-"`
	Start       time.Time       `json:"-"`
	Consumption TrendTotals     `json:"consumption"`
	Production  TrendTotals     `json:"production"`
	Raw         json.RawMessage `json:"-"`
}

// FetchTrend requests the aggregate for one scale, anchored at local noon of
// the current date, and stores the result.
func (c *Client) FetchTrend(ctx context.Context, scale string) (*Trend, error) {
	parsed, err := ParseScale(scale)
	if err != nil {
		return nil, err
	}

	session, err := c.authenticatedSession()
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, now.Location())

	query := url.Values{}
	query.Set("monitor_id", session.MonitorID)
	query.Set("scale", string(parsed))
	query.Set("start", start.Format(trendStartLayout))

	payload, err := c.getBytes(ctx, "app/history/trends", query)
	if err != nil {
		return nil, err
	}

	trend := &Trend{Scale: parsed, Start: start, Raw: payload}
	if err := json.Unmarshal(payload, trend); err != nil {
		return nil, fmt.Errorf("decode %s trend: %w", parsed, err)
	}

	c.mu.Lock()
	c.trends[parsed] = trend
	c.mu.Unlock()

	return trend, nil
}

// RefreshTrends fetches every supported scale. A failed scale does not stop
// the remaining ones; all failures are returned combined.
func (c *Client) RefreshTrends(ctx context.Context) error {
	var errs error
	for _, scale := range ValidScales {
		if _, err := c.FetchTrend(ctx, string(scale)); err != nil {
			c.logger.Debug("Trend request failed",
				zap.String("scale", string(scale)),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s trend: %w", scale, err))
		}
	}
	return errs
}

// TrendData returns the last stored trend for a scale, or nil
func (c *Client) TrendData(scale Scale) *Trend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trends[scale]
}

// DailyUsage returns today's consumption total in kWh
func (c *Client) DailyUsage() float64 {
	if t := c.TrendData(ScaleDay); t != nil {
		return t.Consumption.Total
	}
	return 0
}

// DailyProduction returns today's solar production total in kWh
func (c *Client) DailyProduction() float64 {
	if t := c.TrendData(ScaleDay); t != nil {
		return t.Production.Total
	}
	return 0
}
