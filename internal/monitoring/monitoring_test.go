package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brocaar/chirpstack-applayer-device/internal/config"
)

func TestMux(t *testing.T) {
	var c config.Config
	c.Monitoring.PrometheusEndpoint = true
	c.Monitoring.HealthcheckEndpoint = true
	mux := newMux(c)

	t.Run("metrics", func(t *testing.T) {
		assert := require.New(t)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(http.StatusOK, rec.Code)
		assert.Contains(rec.Body.String(), "go_goroutines")
	})

	t.Run("health without redis", func(t *testing.T) {
		assert := require.New(t)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(http.StatusOK, rec.Code)
	})

	t.Run("disabled endpoints", func(t *testing.T) {
		assert := require.New(t)

		rec := httptest.NewRecorder()
		newMux(config.Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(http.StatusNotFound, rec.Code)
	})
}
