package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// IdentityResolver maps a channel address to a user.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, address string) (*models.User, error)
}

// StoreIdentity resolves addresses against the user table and enrolls unknown
// addresses as community members.
type StoreIdentity struct {
	store       store.Store
	now         func() time.Time
	idGenerator func() string
}

func NewStoreIdentity(s store.Store) *StoreIdentity {
	return &StoreIdentity{
		store:       s,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

func (s *StoreIdentity) ResolveUser(ctx context.Context, address string) (*models.User, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, NewInvalidError("channel address required")
	}
	var out *models.User
	err := s.store.Atomic(ctx, "identity|"+address, func(tx store.Tx) error {
		u, err := tx.GetUserByChannel(ctx, address)
		if err == nil {
			out = u
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		u = &models.User{ID: s.idGenerator(), ChannelAddress: address, Role: models.RoleCommunityMember, CreatedAt: s.now()}
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		out = u
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		// another process enrolled the address first
		err = s.store.View(ctx, func(tx store.Tx) error {
			u, gerr := tx.GetUserByChannel(ctx, address)
			out = u
			return gerr
		})
	}
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", storeError(err, "user"))
	}
	return out, nil
}

// SetRole changes a user's role. The API only exposes this to admins.
func (s *StoreIdentity) SetRole(ctx context.Context, userID string, role models.Role) error {
	if !role.Valid() {
		return NewInvalidError("unknown role")
	}
	err := s.store.Atomic(ctx, "user|"+userID, func(tx store.Tx) error {
		return tx.SetUserRole(ctx, userID, role)
	})
	return storeError(err, "user")
}
