package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/logger"
	"github.com/meterdesk/meterdesk/pkg/response"
)

// Recovery catches any panic in downstream handlers, logs it, and returns a
// 500 to the client. The stack trace is logged outside production only.
// Always add this as the innermost global middleware so it wraps all other
// middleware and handlers.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log := logger.WithCtx(r.Context())
				if config.IsProduction() {
					log.Error("panic recovered", "error", fmt.Sprintf("%v", err))
				} else {
					log.Error("panic recovered",
						"error", fmt.Sprintf("%v", err),
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)
				}
				response.Error(w, http.StatusInternalServerError, "Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
