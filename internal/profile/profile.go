// Package profile is the boundary to the user profile: the default
// selection ("group") and the reminder lead time ("rappel").
package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	appLog "edtcal/internal/log"
	"edtcal/internal/selection"
	"edtcal/internal/store"
)

const (
	keyGroup  = "profile_group"
	keyRappel = "profile_rappel"

	DefaultRappel = 15
)

var ErrInvalidRappel = errors.New("profile: rappel must be zero or positive")

type Profile struct {
	Group  string `json:"group"`
	Rappel int    `json:"rappel"`
}

// Selection classifies Group. Short codes are read as class codes.
func (p Profile) Selection() (selection.Selection, error) {
	return selection.Classify(p.Group, selection.KindClass)
}

// Provider reads and persists the profile. Implementations may be remote.
type Provider interface {
	Profile(ctx context.Context) (Profile, error)
	SaveGroup(ctx context.Context, raw string) error
	SaveRappel(ctx context.Context, minutes int) error
}

// Store keeps the profile in a KV store, falling back to seed values for
// keys never written.
type Store struct {
	kv    store.KV
	seeds Profile
}

func NewStore(kv store.KV, seeds Profile) *Store {
	if seeds.Rappel < 0 {
		seeds.Rappel = DefaultRappel
	}
	return &Store{kv: kv, seeds: seeds}
}

func (s *Store) Profile(ctx context.Context) (Profile, error) {
	p := s.seeds

	group, ok, err := s.kv.Get(ctx, keyGroup)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read group: %w", err)
	}
	if ok {
		p.Group = group
	}

	raw, ok, err := s.kv.Get(ctx, keyRappel)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read rappel: %w", err)
	}
	if ok {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			appLog.Warn("profile rappel unreadable, using seed", convErr, "value", raw)
		} else {
			p.Rappel = n
		}
	}
	return p, nil
}

func (s *Store) SaveGroup(ctx context.Context, raw string) error {
	if _, err := selection.Classify(raw, selection.KindClass); err != nil {
		return fmt.Errorf("profile: %w", err)
	}
	if err := s.kv.Set(ctx, keyGroup, raw); err != nil {
		return fmt.Errorf("profile: write group: %w", err)
	}
	appLog.Info("profile group saved", "group", raw)
	return nil
}

func (s *Store) SaveRappel(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return ErrInvalidRappel
	}
	if err := s.kv.Set(ctx, keyRappel, strconv.Itoa(minutes)); err != nil {
		return fmt.Errorf("profile: write rappel: %w", err)
	}
	appLog.Info("profile rappel saved", "minutes", minutes)
	return nil
}
