package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Message("create", "ok")
	m.Message("create", "ok")
	m.Message("help", "ok")
	m.ImportRows("created", 3)
	m.ImportRows("updated", 0)
	m.WebhookRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("help", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.importRows.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookRejects))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Mail("sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `hashmail_mail_sent_total{result="sent"} 1`)
}

func TestNew_Independent(t *testing.T) {
	// Each instance has its own registry, so building twice must not panic.
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
