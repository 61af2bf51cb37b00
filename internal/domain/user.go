// Package domain contains entity without logic, just meta-data
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 100
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// Tier is the account kind behind a user.
type Tier string

const (
	TierGuest     Tier = "guest"
	TierPermanent Tier = "permanent"
)

// PublicUser is the read-only projection of an account that rooms and
// envelopes carry around. It never holds credentials.
type PublicUser struct {
	ID       UserID `json:"id" validate:"required,max=36"`
	Username string `json:"username" validate:"required,max=100"`
	Tier     Tier   `json:"tier" validate:"oneof=guest permanent"`
	Color    string `json:"color"`
}

// NewGuest is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewGuest(username string) (PublicUser, error) {
	if err := checkUsername(username); err != nil {
		return PublicUser{}, err
	}
	id := UserID(uuid.NewString())
	return PublicUser{ID: id, Username: username, Tier: TierGuest, Color: ColorFor(id)}, nil
}

// NewPublicUser builds a user resolved by an identity provider.
func NewPublicUser(id UserID, username string, tier Tier) (PublicUser, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return PublicUser{}, errors.New("invalid user id")
	}
	if err := checkUsername(username); err != nil {
		return PublicUser{}, err
	}
	if tier != TierPermanent {
		tier = TierGuest
	}
	return PublicUser{ID: id, Username: username, Tier: tier, Color: ColorFor(id)}, nil
}

func (u PublicUser) IsGuest() bool { return u.Tier == TierGuest }

// ColorFor derives a stable display color from the user id.
func ColorFor(id UserID) string {
	sum := sha256.Sum256([]byte(id))
	return "#" + hex.EncodeToString(sum[:])[:6]
}

func checkUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
