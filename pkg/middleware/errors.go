package middleware

import (
	"net/http"
	"time"

	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/apperr"
	"github.com/meterdesk/meterdesk/pkg/logger"
	"github.com/meterdesk/meterdesk/pkg/response"
)

// HandlerFunc is the error-returning handler signature used by controllers.
// Returning a non-nil error routes it through the single normalization point
// below; handlers never write error responses themselves.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handle adapts a HandlerFunc to http.HandlerFunc, normalizing any returned
// error into the uniform {status, message} shape.
//
// Unrecognized errors become a generic 500; their full detail (error chain,
// method, path) is logged outside production only — production logs the
// minimum and responses never leak internals.
func Handle(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		e := apperr.Normalize(err)

		log := logger.WithCtx(r.Context())
		if e.Status >= http.StatusInternalServerError {
			if config.IsProduction() {
				log.Error("request failed", "status", e.Status)
			} else {
				log.Error("request failed",
					"status", e.Status,
					"error", err.Error(),
					"method", r.Method,
					"path", r.URL.Path,
				)
			}
		} else {
			log.Debug("request rejected", "status", e.Status, "message", e.Message)
		}

		response.Error(w, e.Status, e.Message)
	}
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
