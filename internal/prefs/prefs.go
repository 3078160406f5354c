// Package prefs stores camera defaults as independent flags on the durable
// store. They sit outside the form sync domain: no sequence, no merge.
package prefs

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/formsync/internal/durable"
)

const (
	KeyFacing = "camera.facing"
	KeyFlash  = "camera.flash"
)

type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

type Flash string

const (
	FlashAuto Flash = "auto"
	FlashOn   Flash = "on"
	FlashOff  Flash = "off"
)

type Camera struct {
	Facing Facing `json:"facing"`
	Flash  Flash  `json:"flash"`
}

type Preferences struct {
	store durable.Store
}

func New(store durable.Store) *Preferences {
	return &Preferences{store: store}
}

func ParseFacing(raw string) (Facing, error) {
	switch Facing(strings.ToLower(strings.TrimSpace(raw))) {
	case FacingFront:
		return FacingFront, nil
	case FacingBack:
		return FacingBack, nil
	}
	return "", fmt.Errorf("unknown camera facing %q", raw)
}

func ParseFlash(raw string) (Flash, error) {
	switch Flash(strings.ToLower(strings.TrimSpace(raw))) {
	case FlashAuto:
		return FlashAuto, nil
	case FlashOn:
		return FlashOn, nil
	case FlashOff:
		return FlashOff, nil
	}
	return "", fmt.Errorf("unknown flash mode %q", raw)
}

// Facing returns the stored facing, or back when unset or unreadable.
func (p *Preferences) Facing(ctx context.Context) (Facing, error) {
	raw, ok, err := p.store.Get(ctx, KeyFacing)
	if err != nil {
		return FacingBack, err
	}
	if !ok {
		return FacingBack, nil
	}
	facing, err := ParseFacing(string(raw))
	if err != nil {
		return FacingBack, nil
	}
	return facing, nil
}

func (p *Preferences) SetFacing(ctx context.Context, facing Facing) error {
	parsed, err := ParseFacing(string(facing))
	if err != nil {
		return err
	}
	return p.store.Set(ctx, KeyFacing, []byte(parsed))
}

// Flash returns the stored flash mode. Unknown values read as auto.
func (p *Preferences) Flash(ctx context.Context) (Flash, error) {
	raw, ok, err := p.store.Get(ctx, KeyFlash)
	if err != nil {
		return FlashAuto, err
	}
	if !ok {
		return FlashAuto, nil
	}
	flash, err := ParseFlash(string(raw))
	if err != nil {
		return FlashAuto, nil
	}
	return flash, nil
}

func (p *Preferences) SetFlash(ctx context.Context, flash Flash) error {
	parsed, err := ParseFlash(string(flash))
	if err != nil {
		return err
	}
	return p.store.Set(ctx, KeyFlash, []byte(parsed))
}

func (p *Preferences) ToggleFacing(ctx context.Context) (Facing, error) {
	current, err := p.Facing(ctx)
	if err != nil {
		return current, err
	}
	next := FacingFront
	if current == FacingFront {
		next = FacingBack
	}
	return next, p.SetFacing(ctx, next)
}

// CycleFlash advances auto -> on -> off -> auto.
func (p *Preferences) CycleFlash(ctx context.Context) (Flash, error) {
	current, err := p.Flash(ctx)
	if err != nil {
		return current, err
	}
	var next Flash
	switch current {
	case FlashAuto:
		next = FlashOn
	case FlashOn:
		next = FlashOff
	default:
		next = FlashAuto
	}
	return next, p.SetFlash(ctx, next)
}

func (p *Preferences) Camera(ctx context.Context) (Camera, error) {
	facing, err := p.Facing(ctx)
	if err != nil {
		return Camera{}, err
	}
	flash, err := p.Flash(ctx)
	if err != nil {
		return Camera{}, err
	}
	return Camera{Facing: facing, Flash: flash}, nil
}

// SetCamera writes whichever fields of c are set.
func (p *Preferences) SetCamera(ctx context.Context, c Camera) error {
	if c.Facing != "" {
		if err := p.SetFacing(ctx, c.Facing); err != nil {
			return err
		}
	}
	if c.Flash != "" {
		if err := p.SetFlash(ctx, c.Flash); err != nil {
			return err
		}
	}
	return nil
}
