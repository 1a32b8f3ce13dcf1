package models

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

type User struct {
	ID                bson.ObjectID `bson:"_id,omitempty"`
	Name              string        `bson:"name"`
	Email             string        `bson:"email"`
	PassHash          []byte        `bson:"password_hash"`
	Role              Role          `bson:"role"`
	IsActive          bool          `bson:"is_active"`
	IsEmailVerified   bool          `bson:"is_email_verified"`
	RefreshToken      string        `bson:"refresh_token,omitempty"`
	ResetTokenHash    string        `bson:"reset_token_hash,omitempty"`
	ResetTokenExpire  time.Time     `bson:"reset_token_expire,omitempty"`
	VerifyTokenHash   string        `bson:"verify_token_hash,omitempty"`
	VerifyTokenExpire time.Time     `bson:"verify_token_expire,omitempty"`
	CreatedAt         time.Time     `bson:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at"`
}

// PublicUser is the client-facing representation. It must never carry the
// password hash, the refresh token or any recovery token hash.
type PublicUser struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	Role            Role      `json:"role"`
	IsActive        bool      `json:"is_active"`
	IsEmailVerified bool      `json:"is_email_verified"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:              u.ID.Hex(),
		Name:            u.Name,
		Email:           u.Email,
		Role:            u.Role,
		IsActive:        u.IsActive,
		IsEmailVerified: u.IsEmailVerified,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

const (
	PurposePasswordReset     = "password_reset"
	PurposeEmailVerification = "email_verification"
)

type EmailMessage struct {
	Email   string `json:"to"`
	Link    string `json:"link"`
	Purpose string `json:"purpose"`
}
