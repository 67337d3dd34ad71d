package controllers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterdesk/meterdesk/app/controllers"
	"github.com/meterdesk/meterdesk/pkg/middleware"
)

func checkHealth(t *testing.T, c *controllers.HealthController) map[string]interface{} {
	t.Helper()

	rec := httptest.NewRecorder()
	middleware.Handle(c.Check)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return data(t, rec)
}

func TestHealthCheck(t *testing.T) {
	d := checkHealth(t, controllers.NewHealthController(staticStatus("connected")))
	assert.Equal(t, "ok", d["service"])
	assert.Equal(t, "connected", d["database"])

	d = checkHealth(t, controllers.NewHealthController(staticStatus("disconnected")))
	assert.Equal(t, "ok", d["service"], "the process itself is still up")
	assert.Equal(t, "disconnected", d["database"])
}

func TestHealthCheckNilDatabase(t *testing.T) {
	d := checkHealth(t, controllers.NewHealthController(nil))
	assert.Equal(t, "disconnected", d["database"])
}
