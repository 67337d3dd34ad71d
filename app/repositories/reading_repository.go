package repositories

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/meterdesk/meterdesk/app/models"
	"github.com/meterdesk/meterdesk/pkg/database"
)

// earthRadiusMiles converts a distance in miles to radians for
// $centerSphere queries.
const earthRadiusMiles = 3963.0

// ReadingFilter narrows List queries.
type ReadingFilter struct {
	UserID string // hex id; empty means all users
	Status string // empty means all statuses
	Page   int
	Limit  int
}

// ReadingRepository handles database operations for MeterReading.
type ReadingRepository struct {
	col *mongo.Collection
}

func NewReadingRepository(db *database.Client) *ReadingRepository {
	return &ReadingRepository{col: db.Collection("readings")}
}

// EnsureIndexes creates the geospatial index and the partial unique index
// that makes "at most one pending reading per meter" a storage-level
// guarantee rather than a check-then-create race. Idempotent.
func (r *ReadingRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "location", Value: "2dsphere"}},
		},
		{
			Keys: bson.D{{Key: "meterNumber", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": models.StatusPending}),
		},
		{
			Keys: bson.D{{Key: "user", Value: 1}, {Key: "createdAt", Value: -1}},
		},
	})
	return err
}

// Create persists a new reading with default status pending. A concurrent
// pending reading for the same meter number surfaces as a duplicate-key
// error from the partial unique index.
func (r *ReadingRepository) Create(ctx context.Context, reading *models.MeterReading) error {
	now := time.Now().UTC()
	if reading.Status == "" {
		reading.Status = models.StatusPending
	}
	reading.CreatedAt = now
	reading.UpdatedAt = now
	res, err := r.col.InsertOne(ctx, reading)
	if err != nil {
		return err
	}
	reading.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// FindByID returns the reading with the given hex id.
func (r *ReadingRepository) FindByID(ctx context.Context, id string) (models.MeterReading, error) {
	var reading models.MeterReading
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return reading, err
	}
	err = r.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&reading)
	return reading, err
}

// HasPending reports whether a pending reading already exists for the meter.
// Advisory only; the partial unique index is authoritative.
func (r *ReadingRepository) HasPending(ctx context.Context, meterNumber string) (bool, error) {
	n, err := r.col.CountDocuments(ctx,
		bson.M{"meterNumber": meterNumber, "status": models.StatusPending},
		options.Count().SetLimit(1))
	return n > 0, err
}

// Update applies the given field changes and bumps updatedAt, returning the
// updated document.
func (r *ReadingRepository) Update(ctx context.Context, id primitive.ObjectID, set bson.M) (models.MeterReading, error) {
	set["updatedAt"] = time.Now().UTC()
	var reading models.MeterReading
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&reading)
	return reading, err
}

// Delete removes the reading record. The caller is responsible for removing
// the photo file afterwards.
func (r *ReadingRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// List returns a page of readings matching the filter, newest first, plus
// the total match count.
func (r *ReadingRepository) List(ctx context.Context, f ReadingFilter) ([]models.MeterReading, int64, error) {
	query := bson.M{}
	if f.UserID != "" {
		oid, err := primitive.ObjectIDFromHex(f.UserID)
		if err != nil {
			return nil, 0, err
		}
		query["user"] = oid
	}
	if f.Status != "" {
		query["status"] = f.Status
	}

	total, err := r.col.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit < 1 {
		limit = 25
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cur, err := r.col.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var readings []models.MeterReading
	if err := cur.All(ctx, &readings); err != nil {
		return nil, 0, err
	}
	return readings, total, nil
}

// WithinRadius returns all readings whose location falls within the
// spherical cap of the given radius (miles) around the point.
func (r *ReadingRepository) WithinRadius(ctx context.Context, lat, lng, distanceMiles float64) ([]models.MeterReading, error) {
	radius := distanceMiles / earthRadiusMiles

	cur, err := r.col.Find(ctx, bson.M{
		"location": bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": bson.A{bson.A{lng, lat}, radius},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var readings []models.MeterReading
	if err := cur.All(ctx, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}
