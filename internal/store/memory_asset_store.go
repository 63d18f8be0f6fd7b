package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/derivflow/internal/domain"
)

type MemoryAssetStore struct {
	mu     sync.RWMutex
	assets map[string]domain.Asset
	now    func() time.Time
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{
		assets: make(map[string]domain.Asset),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryAssetStore) Put(_ context.Context, asset domain.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if prev, ok := s.assets[asset.ID]; ok {
		asset.CreatedAt = prev.CreatedAt
	} else if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	if asset.Status == "" {
		asset.Status = domain.AssetStatusPending
	}
	asset.UpdatedAt = now
	s.assets[asset.ID] = asset
	return nil
}

func (s *MemoryAssetStore) Get(_ context.Context, id string) (domain.Asset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	return asset, ok, nil
}

func (s *MemoryAssetStore) UpdateSource(_ context.Context, id, sourceKey string, info domain.SourceInfo) (domain.Asset, error) {
	return s.update(id, func(a *domain.Asset) {
		if sourceKey != "" {
			a.SourceKey = sourceKey
		}
		a.Source = info
	})
}

func (s *MemoryAssetStore) UpdateWeb(_ context.Context, id string, web domain.WebInfo) (domain.Asset, error) {
	return s.update(id, func(a *domain.Asset) {
		a.Web = web
		a.Status = domain.AssetStatusOptimized
		a.Error = ""
	})
}

func (s *MemoryAssetStore) UpdateAudio(_ context.Context, id string, audio domain.AudioInfo) (domain.Asset, error) {
	return s.update(id, func(a *domain.Asset) {
		a.Audio = audio
	})
}

func (s *MemoryAssetStore) MarkFailed(_ context.Context, id, reason string) (domain.Asset, error) {
	return s.update(id, func(a *domain.Asset) {
		a.Status = domain.AssetStatusFailed
		a.Error = reason
	})
}

func (s *MemoryAssetStore) update(id string, fn func(*domain.Asset)) (domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[id]
	if !ok {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	fn(&asset)
	asset.UpdatedAt = s.now()
	s.assets[id] = asset
	return asset, nil
}
