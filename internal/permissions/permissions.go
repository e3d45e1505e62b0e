// Package permissions computes the effective access a user holds on a
// stream or destination account from ownership and sharing grants.
package permissions

import (
	"context"
	"errors"
	"fmt"

	"relaycast/internal/models"
)

// ErrForbidden is returned when a user lacks the level an action requires.
var ErrForbidden = errors.New("forbidden")

// Levels is the effective access a user holds. Chat governs read and chat
// access, Metadata governs metadata edits and lifecycle control.
type Levels struct {
	Chat     int `json:"chat"`
	Metadata int `json:"metadata"`
}

// CanView reports whether the user may read the resource.
func (l Levels) CanView() bool {
	return l.Chat >= models.LevelChat
}

// CanManage reports whether the user may change metadata or control the
// stream lifecycle.
func (l Levels) CanManage() bool {
	return l.Metadata >= models.LevelManage
}

var ownerLevels = Levels{Chat: models.LevelManage, Metadata: models.LevelManage}

// GrantSource lists the sharing grants stored for streams and accounts.
type GrantSource interface {
	StreamShares(ctx context.Context, streamID string) ([]models.StreamShare, error)
	AccountShares(ctx context.Context, accountID string) ([]models.AccountShare, error)
}

// SharingPolicy reports whether accounts on network may be shared.
type SharingPolicy func(network string) bool

// Resolver combines ownership, grants and the network sharing policy.
type Resolver struct {
	grants  GrantSource
	sharing SharingPolicy
}

// NewResolver returns a Resolver. A nil policy disables account sharing.
func NewResolver(grants GrantSource, sharing SharingPolicy) *Resolver {
	if sharing == nil {
		sharing = func(string) bool { return false }
	}
	return &Resolver{grants: grants, sharing: sharing}
}

// ForStream returns userID's levels on stream.
func (r *Resolver) ForStream(ctx context.Context, userID string, stream models.Stream) (Levels, error) {
	if userID == "" {
		return Levels{}, nil
	}
	if stream.OwnerID == userID {
		return ownerLevels, nil
	}
	shares, err := r.grants.StreamShares(ctx, stream.ID)
	if err != nil {
		return Levels{}, fmt.Errorf("load stream shares: %w", err)
	}
	level := models.LevelNone
	for _, share := range shares {
		if share.UserID == userID {
			level = max(level, models.ClampLevel(share.Level))
		}
	}
	return Levels{Chat: level, Metadata: level}, nil
}

// ForAccount returns userID's levels on account. Grants are ignored when the
// account's network does not allow sharing.
func (r *Resolver) ForAccount(ctx context.Context, userID string, account models.Account) (Levels, error) {
	if userID == "" {
		return Levels{}, nil
	}
	if account.OwnerID == userID {
		return ownerLevels, nil
	}
	if !r.sharing(account.Network) {
		return Levels{}, nil
	}
	shares, err := r.grants.AccountShares(ctx, account.ID)
	if err != nil {
		return Levels{}, fmt.Errorf("load account shares: %w", err)
	}
	level := models.LevelNone
	for _, share := range shares {
		if share.UserID == userID {
			level = max(level, models.ClampLevel(share.Level))
		}
	}
	return Levels{Chat: level, Metadata: level}, nil
}

// RequireStreamManage returns ErrForbidden unless userID may control stream.
func (r *Resolver) RequireStreamManage(ctx context.Context, userID string, stream models.Stream) error {
	levels, err := r.ForStream(ctx, userID, stream)
	if err != nil {
		return err
	}
	if !levels.CanManage() {
		return fmt.Errorf("user %q on stream %s: %w", userID, stream.ID, ErrForbidden)
	}
	return nil
}

// RequireStreamView returns ErrForbidden unless userID may read stream.
func (r *Resolver) RequireStreamView(ctx context.Context, userID string, stream models.Stream) error {
	levels, err := r.ForStream(ctx, userID, stream)
	if err != nil {
		return err
	}
	if !levels.CanView() {
		return fmt.Errorf("user %q on stream %s: %w", userID, stream.ID, ErrForbidden)
	}
	return nil
}

// RequireAccountManage returns ErrForbidden unless userID may manage account.
func (r *Resolver) RequireAccountManage(ctx context.Context, userID string, account models.Account) error {
	levels, err := r.ForAccount(ctx, userID, account)
	if err != nil {
		return err
	}
	if !levels.CanManage() {
		return fmt.Errorf("user %q on account %s: %w", userID, account.ID, ErrForbidden)
	}
	return nil
}
