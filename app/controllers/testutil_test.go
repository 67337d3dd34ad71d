package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/app/controllers"
	"github.com/meterdesk/meterdesk/app/models"
	"github.com/meterdesk/meterdesk/app/repositories"
	"github.com/meterdesk/meterdesk/app/routes"
	"github.com/meterdesk/meterdesk/app/services"
	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/middleware"
	"github.com/meterdesk/meterdesk/pkg/router"
	"github.com/meterdesk/meterdesk/pkg/ws"
)

// dupKeyErr mimics the driver error a unique index violation produces.
func dupKeyErr(collection, field string) error {
	return mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code: 11000,
		Message: fmt.Sprintf(
			"E11000 duplicate key error collection: meterdesk.%s index: %s_1 dup key: { %s: ... }",
			collection, field, field),
	}}}
}

// ─── User store fake ─────────────────────────────────────────────────────────

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]models.User // hex id → user
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]models.User{}}
}

func (s *fakeUserStore) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Email == u.Email {
			return dupKeyErr("users", "email")
		}
	}
	if u.Role == "" {
		u.Role = "user"
	}
	u.ID = primitive.NewObjectID()
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID.Hex()] = *u
	return nil
}

func (s *fakeUserStore) FindByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, mongo.ErrNoDocuments
}

func (s *fakeUserStore) FindByID(_ context.Context, id string) (models.User, error) {
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return models.User{}, mongo.ErrNoDocuments
	}
	u.Password = "" // the real repository projects the hash out
	return u, nil
}

func (s *fakeUserStore) SetResetToken(_ context.Context, id primitive.ObjectID, hashedToken string, expire time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id.Hex()]
	if !ok {
		return mongo.ErrNoDocuments
	}
	u.ResetPasswordToken = hashedToken
	u.ResetPasswordExpire = &expire
	s.users[id.Hex()] = u
	return nil
}

func (s *fakeUserStore) FindByResetToken(_ context.Context, hashedToken string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ResetPasswordToken == hashedToken &&
			u.ResetPasswordExpire != nil && u.ResetPasswordExpire.After(time.Now()) {
			return u, nil
		}
	}
	return models.User{}, mongo.ErrNoDocuments
}

func (s *fakeUserStore) ResetPassword(_ context.Context, id primitive.ObjectID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id.Hex()]
	if !ok {
		return mongo.ErrNoDocuments
	}
	u.Password = passwordHash
	u.ResetPasswordToken = ""
	u.ResetPasswordExpire = nil
	s.users[id.Hex()] = u
	return nil
}

// ─── Reading store fake ──────────────────────────────────────────────────────

type fakeReadingStore struct {
	mu       sync.Mutex
	readings map[string]models.MeterReading
	order    []string // insertion order, newest listed first

	radius    []models.MeterReading
	radiusErr error
}

func newFakeReadingStore() *fakeReadingStore {
	return &fakeReadingStore{readings: map[string]models.MeterReading{}}
}

func (s *fakeReadingStore) Create(_ context.Context, reading *models.MeterReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reading.Status == "" {
		reading.Status = models.StatusPending
	}
	for _, r := range s.readings {
		if r.MeterNumber == reading.MeterNumber && r.Status == models.StatusPending &&
			reading.Status == models.StatusPending {
			return dupKeyErr("readings", "meterNumber")
		}
	}

	now := time.Now().UTC()
	reading.ID = primitive.NewObjectID()
	reading.CreatedAt = now
	reading.UpdatedAt = now
	s.readings[reading.ID.Hex()] = *reading
	s.order = append(s.order, reading.ID.Hex())
	return nil
}

func (s *fakeReadingStore) FindByID(_ context.Context, id string) (models.MeterReading, error) {
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		return models.MeterReading{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readings[id]
	if !ok {
		return models.MeterReading{}, mongo.ErrNoDocuments
	}
	return r, nil
}

func (s *fakeReadingStore) HasPending(_ context.Context, meterNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.readings {
		if r.MeterNumber == meterNumber && r.Status == models.StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeReadingStore) Update(_ context.Context, id primitive.ObjectID, set bson.M) (models.MeterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.readings[id.Hex()]
	if !ok {
		return models.MeterReading{}, mongo.ErrNoDocuments
	}

	for key, value := range set {
		switch key {
		case "reading":
			r.Reading = value.(float64)
		case "unit":
			r.Unit = value.(string)
		case "notes":
			r.Notes = value.(string)
		case "readerNotes":
			r.ReaderNotes = value.(string)
		case "status":
			r.Status = value.(string)
		case "photo":
			r.Photo = value.(string)
		case "approvedBy":
			approver := value.(primitive.ObjectID)
			r.ApprovedBy = &approver
		case "approvedAt":
			at := value.(time.Time)
			r.ApprovedAt = &at
		}
	}
	r.UpdatedAt = time.Now().UTC()
	s.readings[id.Hex()] = r
	return r, nil
}

func (s *fakeReadingStore) Delete(_ context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readings[id.Hex()]; !ok {
		return mongo.ErrNoDocuments
	}
	delete(s.readings, id.Hex())
	for i, hex := range s.order {
		if hex == id.Hex() {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeReadingStore) List(_ context.Context, f repositories.ReadingFilter) ([]models.MeterReading, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.MeterReading
	for i := len(s.order) - 1; i >= 0; i-- { // newest first
		r := s.readings[s.order[i]]
		if f.UserID != "" && r.User.Hex() != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}

	total := int64(len(matched))
	start := (f.Page - 1) * f.Limit
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *fakeReadingStore) WithinRadius(context.Context, float64, float64, float64) ([]models.MeterReading, error) {
	return s.radius, s.radiusErr
}

// ─── Disk, geocoder and health fakes ─────────────────────────────────────────

type fakeDisk struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newFakeDisk() *fakeDisk { return &fakeDisk{files: map[string][]byte{}} }

func (d *fakeDisk) Put(path string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = content
	return nil
}

func (d *fakeDisk) PutStream(path string, r io.Reader) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return d.Put(path, content)
}

func (d *fakeDisk) Get(path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return content, nil
}

func (d *fakeDisk) GetStream(path string) (io.ReadCloser, error) {
	content, err := d.Get(path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (d *fakeDisk) Exists(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[path]
	return ok
}

func (d *fakeDisk) Missing(path string) bool { return !d.Exists(path) }

func (d *fakeDisk) Size(path string) (int64, error) {
	content, err := d.Get(path)
	if err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (d *fakeDisk) URL(path string) string { return "http://files.test/" + path }

func (d *fakeDisk) Delete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, path)
	delete(d.files, path)
	return nil
}

type fakeGeocoder struct {
	coords services.Coordinates
	err    error
}

func (g *fakeGeocoder) Geocode(context.Context, string) (services.Coordinates, error) {
	return g.coords, g.err
}

type staticStatus string

func (s staticStatus) Status() string { return string(s) }

// ─── Application harness ─────────────────────────────────────────────────────

type testApp struct {
	users    *fakeUserStore
	readings *fakeReadingStore
	disk     *fakeDisk
	geocoder *fakeGeocoder
	handler  http.Handler
}

// newTestApp wires the full route table against in-memory fakes so requests
// travel the same path as production: router, auth middleware, error
// normalization, controllers.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	app := &testApp{
		users:    newFakeUserStore(),
		readings: newFakeReadingStore(),
		disk:     newFakeDisk(),
		geocoder: &fakeGeocoder{coords: services.Coordinates{Latitude: 42.35, Longitude: -71.1}},
	}

	loader := func(ctx context.Context, id string) (middleware.Identity, error) {
		u, err := app.users.FindByID(ctx, id)
		if err != nil {
			return middleware.Identity{}, middleware.ErrIdentityNotFound
		}
		role, ok := auth.ParseRole(u.Role)
		if !ok {
			role = auth.RoleUser
		}
		return middleware.Identity{ID: u.ID.Hex(), Role: role, Name: u.Name, Email: u.Email}, nil
	}

	r := router.New()
	routes.RegisterAPI(r, routes.Deps{
		Auth:         controllers.NewAuthController(app.users),
		Readings:     controllers.NewReadingController(app.readings, app.geocoder, app.disk),
		Health:       controllers.NewHealthController(staticStatus("connected")),
		LoadIdentity: loader,
		Hub:          ws.NewHub(),
	})
	app.handler = r.Handler()
	return app
}

// seedUser inserts a user directly and returns it with a valid token.
// The password is always "secret123".
func (app *testApp) seedUser(t *testing.T, email, role string) (models.User, string) {
	t.Helper()

	hash, err := auth.HashPassword("secret123")
	require.NoError(t, err)

	u := models.User{Name: "Test " + role, Email: email, Password: hash, Role: role}
	require.NoError(t, app.users.Create(context.Background(), &u))

	token, err := auth.GenerateToken(u.ID.Hex(), u.Role)
	require.NoError(t, err)
	return u, token
}

// seedReading inserts a reading owned by owner, bypassing the API.
func (app *testApp) seedReading(t *testing.T, owner primitive.ObjectID, meterNumber, status string) models.MeterReading {
	t.Helper()

	reading := models.MeterReading{
		User:        owner,
		MeterNumber: meterNumber,
		Reading:     120.5,
		Unit:        models.UnitKWH,
		Status:      status,
	}
	require.NoError(t, app.readings.Create(context.Background(), &reading))
	return reading
}

// do sends a JSON request through the full middleware stack.
func (app *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	return rec
}

// envelope decodes the uniform response shape.
func envelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

// data returns the envelope's data object.
func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	d, ok := envelope(t, rec)["data"].(map[string]interface{})
	require.True(t, ok, "body: %s", rec.Body.String())
	return d
}

// message returns the envelope's error message.
func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	msg, _ := envelope(t, rec)["message"].(string)
	return msg
}
