package controllers

import (
	"net/http"

	"github.com/meterdesk/meterdesk/pkg/response"
)

// StatusReporter reports persistence connectivity ("connected" or
// "disconnected"). *database.Client satisfies it.
type StatusReporter interface {
	Status() string
}

type HealthController struct {
	db StatusReporter
}

func NewHealthController(db StatusReporter) *HealthController {
	return &HealthController{db: db}
}

// Check reports service liveness and database connectivity.
// GET /health, GET /healthcheck
func (c *HealthController) Check(w http.ResponseWriter, r *http.Request) error {
	status := "disconnected"
	if c.db != nil {
		status = c.db.Status()
	}
	response.Success(w, map[string]string{
		"service":  "ok",
		"database": status,
	})
	return nil
}
