package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/app/models"
	"github.com/meterdesk/meterdesk/app/repositories"
	"github.com/meterdesk/meterdesk/app/services"
	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/apperr"
	"github.com/meterdesk/meterdesk/pkg/bind"
	"github.com/meterdesk/meterdesk/pkg/event"
	"github.com/meterdesk/meterdesk/pkg/logger"
	"github.com/meterdesk/meterdesk/pkg/metrics"
	"github.com/meterdesk/meterdesk/pkg/middleware"
	"github.com/meterdesk/meterdesk/pkg/response"
	"github.com/meterdesk/meterdesk/pkg/router"
	"github.com/meterdesk/meterdesk/pkg/storage"
)

// Domain event names fired by the readings workflow.
const (
	EventReadingCreated  = "reading.created"
	EventReadingUpdated  = "reading.updated"
	EventReadingApproved = "reading.approved"
	EventReadingRejected = "reading.rejected"
	EventReadingDeleted  = "reading.deleted"
)

// ReadingStore is the persistence surface the reading endpoints need.
// *repositories.ReadingRepository satisfies it; tests use an in-memory fake.
type ReadingStore interface {
	Create(ctx context.Context, reading *models.MeterReading) error
	FindByID(ctx context.Context, id string) (models.MeterReading, error)
	HasPending(ctx context.Context, meterNumber string) (bool, error)
	Update(ctx context.Context, id primitive.ObjectID, set bson.M) (models.MeterReading, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
	List(ctx context.Context, f repositories.ReadingFilter) ([]models.MeterReading, int64, error)
	WithinRadius(ctx context.Context, lat, lng, distanceMiles float64) ([]models.MeterReading, error)
}

type ReadingController struct {
	readings ReadingStore
	geocoder services.Geocoder
	disk     storage.Disk
}

func NewReadingController(readings ReadingStore, geocoder services.Geocoder, disk storage.Disk) *ReadingController {
	return &ReadingController{readings: readings, geocoder: geocoder, disk: disk}
}

// List returns a page of readings. Admins see everything; other callers are
// scoped to their own submissions.
// GET /api/meters?page=&limit=&status=
func (c *ReadingController) List(w http.ResponseWriter, r *http.Request) error {
	identity, ok := middleware.FromRequest(r)
	if !ok {
		return apperr.Unauthorized("Unauthorized")
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 25)
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(status) {
		return apperr.BadRequest(fmt.Sprintf("The selected status is invalid: %s", status))
	}

	filter := repositories.ReadingFilter{Status: status, Page: page, Limit: limit}
	if !identity.IsAdmin() {
		filter.UserID = identity.ID
	}

	readings, total, err := c.readings.List(r.Context(), filter)
	if err != nil {
		return err
	}
	if readings == nil {
		readings = []models.MeterReading{}
	}

	response.Paginated(w, readings, response.NewPagination(total, page, limit))
	return nil
}

// Get returns one reading, owner or admin only.
// GET /api/meters/{id}
func (c *ReadingController) Get(w http.ResponseWriter, r *http.Request) error {
	_, reading, err := c.loadOwned(r)
	if err != nil {
		return err
	}

	response.Success(w, reading)
	return nil
}

// Create submits a new reading owned by the caller. The partial unique index
// on pending meter numbers makes the conflict check race-free; the explicit
// pre-check only exists for a friendlier message.
// POST /api/meters
func (c *ReadingController) Create(w http.ResponseWriter, r *http.Request) error {
	identity, ok := middleware.FromRequest(r)
	if !ok {
		return apperr.Unauthorized("Unauthorized")
	}

	var in struct {
		MeterNumber string   `json:"meterNumber" validate:"required,max=50"`
		Reading     float64  `json:"reading" validate:"gte=0"` // zero is a legitimate reading
		Unit        string   `json:"unit" validate:"required,in=kwh,m3,gallons,liters"`
		Notes       string   `json:"notes" validate:"nullable,max=500"`
		Address     string   `json:"address"`
		Longitude   *float64 `json:"longitude"`
		Latitude    *float64 `json:"latitude"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	pending, err := c.readings.HasPending(r.Context(), in.MeterNumber)
	if err != nil {
		return err
	}
	if pending {
		return apperr.BadRequest(fmt.Sprintf("A pending reading already exists for meter %s", in.MeterNumber))
	}

	owner, err := primitive.ObjectIDFromHex(identity.ID)
	if err != nil {
		return err
	}

	reading := models.MeterReading{
		User:        owner,
		MeterNumber: in.MeterNumber,
		Reading:     in.Reading,
		Unit:        in.Unit,
		Notes:       in.Notes,
		Status:      models.StatusPending,
	}
	if in.Longitude != nil && in.Latitude != nil {
		reading.Location = &models.Location{
			Type:             "Point",
			Coordinates:      []float64{*in.Longitude, *in.Latitude},
			FormattedAddress: in.Address,
		}
	}

	if err := c.readings.Create(r.Context(), &reading); err != nil {
		return err // concurrent duplicate pending → normalized 400
	}

	event.FireAsync(EventReadingCreated, reading)
	response.Created(w, reading)
	return nil
}

// Update applies a partial update. Status transitions are admin-only and
// stamp the approver identity and time.
// PUT /api/meters/{id}
func (c *ReadingController) Update(w http.ResponseWriter, r *http.Request) error {
	identity, reading, err := c.loadOwned(r)
	if err != nil {
		return err
	}

	var in struct {
		Reading     *float64 `json:"reading"`
		Unit        *string  `json:"unit"`
		Notes       *string  `json:"notes"`
		ReaderNotes *string  `json:"readerNotes"`
		Status      *string  `json:"status"`
	}
	if err := bind.JSON(r, &in); err != nil {
		return err
	}

	set := bson.M{}
	if in.Reading != nil {
		if *in.Reading < 0 {
			return apperr.BadRequest("The reading must be greater than or equal to 0.")
		}
		set["reading"] = *in.Reading
	}
	if in.Unit != nil {
		if !models.ValidUnit(*in.Unit) {
			return apperr.BadRequest(fmt.Sprintf("The selected unit is invalid: %s", *in.Unit))
		}
		set["unit"] = *in.Unit
	}
	if in.Notes != nil {
		set["notes"] = *in.Notes
	}
	if in.ReaderNotes != nil {
		set["readerNotes"] = *in.ReaderNotes
	}

	eventName := EventReadingUpdated
	if in.Status != nil && *in.Status != reading.Status {
		if !identity.IsAdmin() {
			return apperr.Forbidden("Only admins can change a reading's status")
		}
		if !models.ValidStatus(*in.Status) {
			return apperr.BadRequest(fmt.Sprintf("The selected status is invalid: %s", *in.Status))
		}
		approver, err := primitive.ObjectIDFromHex(identity.ID)
		if err != nil {
			return err
		}
		set["status"] = *in.Status
		set["approvedBy"] = approver
		set["approvedAt"] = time.Now().UTC()

		switch *in.Status {
		case models.StatusApproved:
			eventName = EventReadingApproved
		case models.StatusRejected:
			eventName = EventReadingRejected
		}
		metrics.ReadingTransitions.WithLabelValues(*in.Status).Inc()
	}

	if len(set) == 0 {
		response.Success(w, reading)
		return nil
	}

	updated, err := c.readings.Update(r.Context(), reading.ID, set)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.NotFound(fmt.Sprintf("Resource not found with id of %s", reading.ID.Hex()))
		}
		return err
	}

	event.FireAsync(eventName, updated)
	response.Success(w, updated)
	return nil
}

// Delete removes a reading. The record goes first; the photo file is removed
// afterwards so a crash can only leave an orphaned file, never a dangling
// reference.
// DELETE /api/meters/{id}
func (c *ReadingController) Delete(w http.ResponseWriter, r *http.Request) error {
	_, reading, err := c.loadOwned(r)
	if err != nil {
		return err
	}

	if err := c.readings.Delete(r.Context(), reading.ID); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.NotFound(fmt.Sprintf("Resource not found with id of %s", reading.ID.Hex()))
		}
		return err
	}

	if reading.Photo != "" {
		if err := c.disk.Delete(photoPath(reading.Photo)); err != nil {
			logger.Warn("reading: orphaned photo after delete",
				"reading", reading.ID.Hex(), "photo", reading.Photo, "error", err)
		}
	}

	event.FireAsync(EventReadingDeleted, reading)
	response.Success(w, map[string]bool{"deleted": true})
	return nil
}

// Radius returns all readings within distance miles of a zipcode. Admin only
// (enforced by the route guard).
// GET /api/meters/radius/{zipcode}/{distance}
func (c *ReadingController) Radius(w http.ResponseWriter, r *http.Request) error {
	zipcode := router.Param(r, "zipcode")
	distance, err := strconv.ParseFloat(router.Param(r, "distance"), 64)
	if err != nil || distance <= 0 {
		return apperr.BadRequest(fmt.Sprintf("Invalid distance: %s", router.Param(r, "distance")))
	}

	coords, err := c.geocoder.Geocode(r.Context(), zipcode)
	if err != nil {
		return err
	}

	readings, err := c.readings.WithinRadius(r.Context(), coords.Latitude, coords.Longitude, distance)
	if err != nil {
		return err
	}
	if readings == nil {
		readings = []models.MeterReading{}
	}

	response.Success(w, map[string]interface{}{
		"count": len(readings),
		"items": readings,
	})
	return nil
}

// UploadPhoto attaches photo evidence to a reading. Only image content is
// accepted, capped at MAX_UPLOAD_BYTES. The filename is derived from the
// reading id so re-uploads overwrite in place.
// PUT /api/meters/{id}/photo
func (c *ReadingController) UploadPhoto(w http.ResponseWriter, r *http.Request) error {
	_, reading, err := c.loadOwned(r)
	if err != nil {
		return err
	}

	maxBytes := config.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+4096) // headroom for multipart framing

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.PhotoUploads.WithLabelValues("rejected").Inc()
			return apperr.BadRequest(fmt.Sprintf("Please upload an image less than %d bytes", maxBytes))
		}
		return apperr.BadRequest("Please upload a file")
	}
	defer file.Close()

	if header.Size > maxBytes {
		metrics.PhotoUploads.WithLabelValues("rejected").Inc()
		return apperr.BadRequest(fmt.Sprintf("Please upload an image less than %d bytes", maxBytes))
	}
	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		metrics.PhotoUploads.WithLabelValues("rejected").Inc()
		return apperr.BadRequest("Please upload an image file")
	}

	filename := "photo_" + reading.ID.Hex() + strings.ToLower(filepath.Ext(header.Filename))
	if err := c.disk.PutStream(photoPath(filename), file); err != nil {
		metrics.PhotoUploads.WithLabelValues("failed").Inc()
		return err
	}

	updated, err := c.readings.Update(r.Context(), reading.ID, bson.M{"photo": filename})
	if err != nil {
		metrics.PhotoUploads.WithLabelValues("failed").Inc()
		return err
	}

	metrics.PhotoUploads.WithLabelValues("ok").Inc()
	event.FireAsync(EventReadingUpdated, updated)
	response.Success(w, map[string]string{"photo": filename})
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// loadOwned resolves the {id} reading and enforces the owner-or-admin rule.
func (c *ReadingController) loadOwned(r *http.Request) (middleware.Identity, models.MeterReading, error) {
	identity, ok := middleware.FromRequest(r)
	if !ok {
		return middleware.Identity{}, models.MeterReading{}, apperr.Unauthorized("Unauthorized")
	}

	id := router.Param(r, "id")
	reading, err := c.readings.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return identity, reading, apperr.NotFound(fmt.Sprintf("Resource not found with id of %s", id))
		}
		return identity, reading, err
	}

	if !identity.IsAdmin() && reading.User.Hex() != identity.ID {
		return identity, reading, apperr.Unauthorized("Not authorized to access this reading")
	}
	return identity, reading, nil
}

// photoPath is where a photo filename lives on the storage disk.
func photoPath(filename string) string { return "photos/" + filename }

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
