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

// UserRepository handles database operations for User.
type UserRepository struct {
	col *mongo.Collection
}

func NewUserRepository(db *database.Client) *UserRepository {
	return &UserRepository{col: db.Collection("users")}
}

// EnsureIndexes creates the unique email index. Idempotent.
func (r *UserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Create persists a new user record. A duplicate email surfaces as a
// mongo duplicate-key error.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.Role == "" {
		user.Role = "user"
	}
	user.CreatedAt = time.Now().UTC()
	res, err := r.col.InsertOne(ctx, user)
	if err != nil {
		return err
	}
	user.ID = res.InsertedID.(primitive.ObjectID)
	return nil
}

// FindByEmail looks up a user by email, including the password hash.
// Used by login only.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := r.col.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	return user, err
}

// FindByID looks up a user by id, excluding the password hash.
func (r *UserRepository) FindByID(ctx context.Context, id string) (models.User, error) {
	var user models.User
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return user, err
	}
	opts := options.FindOne().SetProjection(bson.M{"password": 0})
	err = r.col.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&user)
	return user, err
}

// SetResetToken stores the hashed reset token and its expiry on the user.
func (r *UserRepository) SetResetToken(ctx context.Context, id primitive.ObjectID, hashedToken string, expire time.Time) error {
	_, err := r.col.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"resetPasswordToken":  hashedToken,
		"resetPasswordExpire": expire,
	}})
	return err
}

// FindByResetToken looks up a user by the hashed reset token, requiring the
// token to be unexpired.
func (r *UserRepository) FindByResetToken(ctx context.Context, hashedToken string) (models.User, error) {
	var user models.User
	err := r.col.FindOne(ctx, bson.M{
		"resetPasswordToken":  hashedToken,
		"resetPasswordExpire": bson.M{"$gt": time.Now().UTC()},
	}).Decode(&user)
	return user, err
}

// ResetPassword replaces the password hash and clears the reset token.
func (r *UserRepository) ResetPassword(ctx context.Context, id primitive.ObjectID, passwordHash string) error {
	_, err := r.col.UpdateByID(ctx, id, bson.M{
		"$set":   bson.M{"password": passwordHash},
		"$unset": bson.M{"resetPasswordToken": "", "resetPasswordExpire": ""},
	})
	return err
}

// ClearExpiredResetTokens removes reset tokens whose expiry has passed.
// Run periodically by the scheduler.
func (r *UserRepository) ClearExpiredResetTokens(ctx context.Context) (int64, error) {
	res, err := r.col.UpdateMany(ctx,
		bson.M{"resetPasswordExpire": bson.M{"$lt": time.Now().UTC()}},
		bson.M{"$unset": bson.M{"resetPasswordToken": "", "resetPasswordExpire": ""}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
