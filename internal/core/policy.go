package core

import (
	"fmt"

	"github.com/dkeye/Chat/internal/domain"
)

type BackpressureAction int

const (
	// KickMember disconnects the slow session and keeps ordering intact.
	KickMember BackpressureAction = iota
	// DropEnvelope skips one envelope for the slow session only.
	DropEnvelope
)

type Policy interface {
	OnBackPressure(room domain.RoomID, member *Session) BackpressureAction
}

type KickPolicy struct{}

func (KickPolicy) OnBackPressure(domain.RoomID, *Session) BackpressureAction {
	return KickMember
}

type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomID, *Session) BackpressureAction {
	return DropEnvelope
}

func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return KickPolicy{}, nil
	case "drop":
		return DropPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
