package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Reading status workflow values.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Supported measurement units.
const (
	UnitKWH     = "kwh"
	UnitM3      = "m3"
	UnitGallons = "gallons"
	UnitLiters  = "liters"
)

// Location is a GeoJSON Point with a human-readable address.
// Coordinates are [longitude, latitude] per the GeoJSON spec.
type Location struct {
	Type             string    `bson:"type" json:"type"`
	Coordinates      []float64 `bson:"coordinates" json:"coordinates"`
	FormattedAddress string    `bson:"formattedAddress,omitempty" json:"formattedAddress,omitempty"`
}

// MeterReading is a user-submitted record of a utility meter's value with
// photo evidence and location, moving through the pending → approved/rejected
// workflow.
type MeterReading struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	User        primitive.ObjectID `bson:"user" json:"user"`
	MeterNumber string             `bson:"meterNumber" json:"meterNumber"`
	Reading     float64            `bson:"reading" json:"reading"`
	Unit        string             `bson:"unit" json:"unit"`
	Photo       string             `bson:"photo,omitempty" json:"photo,omitempty"`
	Location    *Location          `bson:"location,omitempty" json:"location,omitempty"`
	Status      string             `bson:"status" json:"status"`
	Notes       string             `bson:"notes,omitempty" json:"notes,omitempty"`
	ReaderNotes string             `bson:"readerNotes,omitempty" json:"readerNotes,omitempty"`

	ApprovedBy *primitive.ObjectID `bson:"approvedBy,omitempty" json:"approvedBy,omitempty"`
	ApprovedAt *time.Time          `bson:"approvedAt,omitempty" json:"approvedAt,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// IsPending reports whether the reading is still awaiting review.
func (m *MeterReading) IsPending() bool { return m.Status == StatusPending }

// ValidStatus reports whether s is one of the workflow statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// ValidUnit reports whether u is a supported measurement unit.
func ValidUnit(u string) bool {
	switch u {
	case UnitKWH, UnitM3, UnitGallons, UnitLiters:
		return true
	}
	return false
}
