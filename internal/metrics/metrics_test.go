package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorCounts(t *testing.T) {
	c := New("care")
	c.AlertFinished("emergency", "telegram", "sent")
	c.AlertFinished("emergency", "telegram", "sent")
	c.CaseOpened()
	c.TurnProcessed("ok", 20*time.Millisecond)

	body := scrape(t, c)
	assert.Contains(t, body, `care_alerts_total{channel="telegram",kind="emergency",status="sent"} 2`)
	assert.Contains(t, body, "care_emergency_cases_opened_total 1")
	assert.Contains(t, body, `care_turns_processed_total{result="ok"} 1`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CaseOpened()
		c.JobFired("checkin", "sent")
		c.QueueDepth(3)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("care")
	c.JobFired("checkin", "dispatched")
	assert.Contains(t, scrape(t, c), "care_reminder_firings_total")
}
