package domain

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const MaxRoomIDLen = 64

// RoomID is the registry key of a room.
type RoomID string

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return roomIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseRoomID validates raw input coming from a route or a client frame.
func ParseRoomID(raw string) (RoomID, error) {
	id := RoomID(raw)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func (id RoomID) Validate() error {
	if err := validate.Var(string(id), fmt.Sprintf("required,max=%d,roomid", MaxRoomIDLen)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, string(id))
	}
	return nil
}

// ValidateStruct runs the shared validator over tagged structs.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
