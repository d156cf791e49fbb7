package sense

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"sensesync/pkg/testutil"
)

func TestParseScale(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Scale
		wantErr bool
	}{
		{"upper case", "DAY", ScaleDay, false},
		{"lower case", "week", ScaleWeek, false},
		{"mixed case with spaces", " Month ", ScaleMonth, false},
		{"year", "year", ScaleYear, false},
		{"hour is not supported", "HOUR", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScale(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_FetchTrend(t *testing.T) {
	t.Run("invalid scale fails before any request", func(t *testing.T) {
		server := startMockServer(t)
		client := authenticatedClient(t, server, clockwork.NewFakeClockAt(testNow), 30*time.Second)

		_, err := client.FetchTrend(context.Background(), "FORTNIGHT")
		assert.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, server.RequestsTo("/api/app/history/trends"))
	})

	t.Run("request is anchored at local noon", func(t *testing.T) {
		server := startMockServer(t)
		server.SetTrend("DAY", testutil.Trend{
			Consumption: testutil.TrendTotals{Total: 12.5},
			Production:  testutil.TrendTotals{Total: 4.25},
		})
		client := authenticatedClient(t, server, clockwork.NewFakeClockAt(testNow), 30*time.Second)

		trend, err := client.FetchTrend(context.Background(), "day")
		require.NoError(t, err)

		assert.Equal(t, ScaleDay, trend.Scale)
		assert.InDelta(t, 12.5, trend.Consumption.Total, 0.001)
		assert.InDelta(t, 4.25, trend.Production.Total, 0.001)

		requests := server.RequestsTo("/api/app/history/trends")
		require.Len(t, requests, 1)
		assert.Equal(t, "12345", requests[0].Query["monitor_id"])
		assert.Equal(t, "DAY", requests[0].Query["scale"])
		assert.Equal(t, "2026-03-14T12:00:00", requests[0].Query["start"])
	})
}

func TestClient_RefreshTrends(t *testing.T) {
	t.Run("fetches every scale", func(t *testing.T) {
		server := startMockServer(t)
		server.SetTrend("DAY", testutil.Trend{
			Consumption: testutil.TrendTotals{Total: 18},
			Production:  testutil.TrendTotals{Total: 6},
		})
		server.SetTrend("YEAR", testutil.Trend{Consumption: testutil.TrendTotals{Total: 5400}})
		client := authenticatedClient(t, server, clockwork.NewFakeClockAt(testNow), 30*time.Second)

		assert.Zero(t, client.DailyUsage())

		require.NoError(t, client.RefreshTrends(context.Background()))

		requests := server.RequestsTo("/api/app/history/trends")
		require.Len(t, requests, 4)
		for i, scale := range ValidScales {
			assert.Equal(t, string(scale), requests[i].Query["scale"])
			assert.NotNil(t, client.TrendData(scale))
		}

		assert.InDelta(t, 18, client.DailyUsage(), 0.001)
		assert.InDelta(t, 6, client.DailyProduction(), 0.001)
		assert.InDelta(t, 5400, client.TrendData(ScaleYear).Consumption.Total, 0.001)
	})

	t.Run("failures are combined and do not stop other scales", func(t *testing.T) {
		server := startMockServer(t)
		server.SetTrendStatus(http.StatusBadGateway)
		client := authenticatedClient(t, server, clockwork.NewFakeClockAt(testNow), 30*time.Second)

		err := client.RefreshTrends(context.Background())
		require.Error(t, err)
		assert.Len(t, multierr.Errors(err), 4)
		assert.Len(t, server.RequestsTo("/api/app/history/trends"), 4)
		assert.Nil(t, client.TrendData(ScaleDay))
	})
}
