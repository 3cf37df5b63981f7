package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeRunFailed,
		Chain:   "ltc",
		Job:     "backfill",
		Title:   "Backfill run failed",
		Message: "stage explorer_status: request /status failed after 3 attempts",
		Fields: map[string]string{
			"run_id": "7f1c",
			"stage":  "explorer_status",
		},
	}
}

func countingServer(t *testing.T, counter *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	var slackReceived, webhookReceived atomic.Int32
	slackSrv := countingServer(t, &slackReceived, http.StatusOK)
	webhookSrv := countingServer(t, &webhookReceived, http.StatusOK)

	multi := NewMultiAlerter(time.Hour, testLogger(), NewSlackAlerter(slackSrv.URL), NewWebhookAlerter(webhookSrv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), webhookReceived.Load())
}

func TestMultiAlerter_CooldownDedup(t *testing.T) {
	var received atomic.Int32
	srv := countingServer(t, &received, http.StatusOK)

	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	multi := NewMultiAlerter(30*time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	multi.now = func() time.Time { return now }

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(1), received.Load(), "second alert inside cooldown is suppressed")

	other := testAlert()
	other.Job = "rollup"
	require.NoError(t, multi.Send(context.Background(), other))
	assert.Equal(t, int32(2), received.Load(), "a different job has its own cooldown key")

	now = now.Add(31 * time.Minute)
	require.NoError(t, multi.Send(context.Background(), testAlert()))
	assert.Equal(t, int32(3), received.Load())
}

func TestMultiAlerter_ReturnsFirstErrorButSendsAll(t *testing.T) {
	var failing, ok atomic.Int32
	bad := countingServer(t, &failing, http.StatusInternalServerError)
	good := countingServer(t, &ok, http.StatusOK)

	multi := NewMultiAlerter(0, testLogger(), NewWebhookAlerter(bad.URL), NewWebhookAlerter(good.URL))

	err := multi.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook returned status 500")
	assert.Equal(t, int32(1), ok.Load())
}

func TestSlackAlerter_PayloadHasSortedFields(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		text = body["text"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewSlackAlerter(srv.URL).Send(context.Background(), testAlert()))
	assert.Contains(t, text, ":rotating_light: *[RUN_FAILED]* ltc/backfill: Backfill run failed")
	assert.Contains(t, text, "- *run_id*: 7f1c\n- *stage*: explorer_status\n")
}

func TestWebhookAlerter_Payload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhookAlerter(srv.URL)
	wh.now = func() time.Time { return time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC) }
	require.NoError(t, wh.Send(context.Background(), testAlert()))

	assert.Equal(t, "RUN_FAILED", got["type"])
	assert.Equal(t, "backfill", got["job"])
	assert.Equal(t, "2025-04-01T03:00:00Z", got["time"])
}

func TestWebhookAlerter_ContextCanceled(t *testing.T) {
	var received atomic.Int32
	srv := countingServer(t, &received, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewWebhookAlerter(srv.URL).Send(ctx, testAlert())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_SelectsChannels(t *testing.T) {
	assert.IsType(t, &NoopAlerter{}, New(Config{}, testLogger()))

	a := New(Config{SlackWebhookURL: "http://slack", WebhookURL: "http://hook", Cooldown: time.Minute}, testLogger())
	multi, ok := a.(*MultiAlerter)
	require.True(t, ok)
	require.Len(t, multi.alerters, 2)
	assert.Equal(t, "slack", alerterName(multi.alerters[0]))
	assert.Equal(t, "webhook", alerterName(multi.alerters[1]))
}

func TestNoopAlerter(t *testing.T) {
	assert.NoError(t, (&NoopAlerter{}).Send(context.Background(), testAlert()))
}
