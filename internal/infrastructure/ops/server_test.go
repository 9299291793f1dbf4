package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gainium/paper-trading-sh/internal/core"
	"github.com/Gainium/paper-trading-sh/internal/infrastructure/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestHealthReflectsComponentChecks(t *testing.T) {
	hm := health.NewManager(&noopLogger{})
	hm.Register("store", func() error { return nil })

	srv := NewServer(hm, nil, &noopLogger{})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Healthy", components["store"])
}

func TestHealthTurns503WhenUnhealthy(t *testing.T) {
	hm := health.NewManager(&noopLogger{})
	hm.Register("bus", func() error { return errors.New("connection refused") })

	srv := NewServer(hm, nil, &noopLogger{})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStatusRendersSnapshot(t *testing.T) {
	status := func() map[string]interface{} {
		return map[string]interface{}{
			"watch_topics": 3,
			"push_clients": 12,
			"reconciler":   map[string]interface{}{"status": "ok"},
		}
	}

	srv := NewServer(nil, status, &noopLogger{})

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["watch_topics"])
	assert.Equal(t, float64(12), body["push_clients"])
}

func TestStatusWithoutSnapshotFuncIsEmpty(t *testing.T) {
	srv := NewServer(nil, nil, &noopLogger{})

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}
