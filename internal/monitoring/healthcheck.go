package monitoring

import (
	"net/http"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-applayer-device/internal/storage"
)

// healthCheckHandlerFunc only checks Redis when it is configured.
func healthCheckHandlerFunc(w http.ResponseWriter, r *http.Request) {
	if storage.RedisClient() != nil {
		if err := storage.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(errors.Wrap(err, "redis ping error").Error()))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}
