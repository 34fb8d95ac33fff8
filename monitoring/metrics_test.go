package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listproc/models"
)

func TestObserveCycle(t *testing.T) {
	m := NewMetrics()
	m.ObserveCycle(models.RunStats{
		InboxProcessed: 3,
		SentMessages:   2,
		SentEmails:     7,
		Errors:         1,
		TotalTime:      2 * time.Second,
	}, false)
	m.ObserveCycle(models.RunStats{}, true)

	values, err := m.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, values["listproc_cycles_total{outcome=errors}"])
	assert.Equal(t, 1.0, values["listproc_cycles_total{outcome=fatal}"])
	assert.Equal(t, 3.0, values["listproc_messages_total{disposition=inbox}"])
	assert.Equal(t, 2.0, values["listproc_sent_messages_total"])
	assert.Equal(t, 7.0, values["listproc_sent_emails_total"])
	assert.Equal(t, 2.0, values["listproc_cycle_duration_seconds"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCycle(models.RunStats{}, false)
		m.ObserveContention()
		m.ObserveRequest("GET", "/cron", 200)
		m.ObserveRateLimit("/cron")
	})
}

func TestHandlerExposesText(t *testing.T) {
	m := NewMetrics()
	m.ObserveContention()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "listproc_lease_contention_total 1")
}
