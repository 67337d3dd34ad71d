package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is the primary user model.
type User struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name     string             `bson:"name" json:"name"`
	Email    string             `bson:"email" json:"email"`
	Password string             `bson:"password,omitempty" json:"-"` // hashed, never serialised
	Role     string             `bson:"role" json:"role"`

	// Reset tokens are stored hashed; the raw token only travels by email.
	ResetPasswordToken  string     `bson:"resetPasswordToken,omitempty" json:"-"`
	ResetPasswordExpire *time.Time `bson:"resetPasswordExpire,omitempty" json:"-"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}
