package sense

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sensesync/pkg/testutil"
)

const (
	testUser     = "user@example.com"
	testPassword = "hunter2"
	testToken    = "test_token"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)

func startMockServer(t *testing.T) *testutil.MockSenseServer {
	server := testutil.NewMockSenseServer(testUser, testPassword, testToken)
	server.Start()
	t.Cleanup(server.Stop)
	return server
}

func newTestClient(t *testing.T, server *testutil.MockSenseServer, clock clockwork.Clock) *Client {
	logger, _ := zap.NewDevelopment()
	return NewClient(Config{
		APIURL:            server.APIURL(),
		RealtimeURL:       server.RealtimeURL(),
		APITimeout:        2 * time.Second,
		WireTimeout:       2 * time.Second,
		RequestsPerSecond: 100,
		Clock:             clock,
	}, logger)
}

func authenticatedClient(t *testing.T, server *testutil.MockSenseServer, clock clockwork.Clock, rateLimit time.Duration) *Client {
	client := newTestClient(t, server, clock)
	_, err := client.Authenticate(context.Background(), testUser, testPassword, rateLimit)
	require.NoError(t, err)
	return client
}
