package control

import (
	"OptionLedger/internal/domain"
	"OptionLedger/internal/observability"
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mode is the per-user administrative override consulted at resolution time.
// Changing it affects pending trades that have not yet resolved; it never
// rewrites settled ones.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeForceWin  Mode = "force_win"
	ModeForceLose Mode = "force_lose"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModeForceWin, ModeForceLose:
		return Mode(s), nil
	}
	return "", domain.Validationf("mode", "must be one of %q, %q, %q; got %q",
		ModeNormal, ModeForceWin, ModeForceLose, s)
}

// Store persists per-user modes.
type Store interface {
	// Mode returns ModeNormal for users that were never overridden.
	Mode(ctx context.Context, userID uuid.UUID) (Mode, error)
	SetMode(ctx context.Context, userID uuid.UUID, mode Mode) error
}

// Registry is the single consultation point for override modes. Writes may
// happen at any time without coordinating with in-flight trades; readers see
// the fresh value at resolution time.
type Registry struct {
	store Store
	log   zerolog.Logger
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		log:   observability.NewLogger("control"),
	}
}

// Mode returns the user's current override mode.
func (r *Registry) Mode(ctx context.Context, userID uuid.UUID) (Mode, error) {
	return r.store.Mode(ctx, userID)
}

// SetMode records an override mode for the user.
func (r *Registry) SetMode(ctx context.Context, userID uuid.UUID, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	if err := r.store.SetMode(ctx, userID, mode); err != nil {
		return err
	}
	r.log.Info().
		Str("user_id", userID.String()).
		Str("mode", string(mode)).
		Msg("control mode set")
	return nil
}
