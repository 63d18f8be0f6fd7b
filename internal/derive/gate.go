package derive

import (
	"context"
	"errors"

	"github.com/dunamismax/derivflow/internal/storage"
)

type Presence int

const (
	Missing Presence = iota
	Exists
)

func (p Presence) String() string {
	if p == Exists {
		return "exists"
	}
	return "missing"
}

// Stater is the metadata probe the gate needs.
type Stater interface {
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
}

// Gate checks for an existing derivative. The check and the later write are
// not atomic: concurrent misses for one key both regenerate and the last
// write wins.
type Gate struct {
	storage Stater
}

func NewGate(s Stater) Gate {
	return Gate{storage: s}
}

func (g Gate) Check(ctx context.Context, key string) (Presence, storage.ObjectInfo, error) {
	info, err := g.storage.Stat(ctx, key)
	if err == nil {
		return Exists, info, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Missing, storage.ObjectInfo{}, nil
	}
	return Missing, storage.ObjectInfo{}, err
}

// ShouldGenerate reports whether processing must run.
func ShouldGenerate(p Presence, force bool) bool {
	return p == Missing || force
}
