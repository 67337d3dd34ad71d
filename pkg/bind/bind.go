// Package bind decodes and validates an HTTP request body into a struct.
package bind

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/apperr"
	"github.com/meterdesk/meterdesk/pkg/validate"
)

// maxBodyBytes returns the configured request body size limit (default 1 MB).
// Photo uploads bypass this path; JSON bodies never need more.
func maxBodyBytes() int64 {
	n, err := strconv.ParseInt(config.Get("MAX_BODY_BYTES", "1048576"), 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n
}

// JSON decodes r.Body as JSON into dest and runs validation.
// The body is capped at MAX_BODY_BYTES to prevent memory exhaustion.
// Any failure comes back as an *apperr.Error ready for the error middleware.
func JSON(r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes())

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.BadRequest(fmt.Sprintf("request body too large (max %d bytes)", maxErr.Limit))
		}
		return apperr.Wrap(err, http.StatusBadRequest, "invalid JSON body")
	}

	if errs := validate.Struct(dest); validate.HasErrors(errs) {
		return apperr.Validation(errs)
	}

	return nil
}
