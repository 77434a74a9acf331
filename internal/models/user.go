package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is the registered app user. The payment flow only reads it.
type User struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	Name      string             `bson:"name" json:"name"`
	Username  string             `bson:"username,omitempty" json:"username,omitempty"`
	Email     string             `bson:"email" json:"email"`
	Phone     string             `bson:"phone" json:"phone"`
	Role      string             `bson:"role,omitempty" json:"role,omitempty"`
	Paid      bool               `bson:"paid" json:"paid"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt" json:"updatedAt"`
}
