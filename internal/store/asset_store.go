package store

import (
	"context"

	"github.com/dunamismax/derivflow/internal/domain"
)

// AssetStore persists asset records. Update methods return
// domain.ErrAssetNotFound for unknown ids.
type AssetStore interface {
	Put(ctx context.Context, asset domain.Asset) error
	Get(ctx context.Context, id string) (domain.Asset, bool, error)
	UpdateSource(ctx context.Context, id, sourceKey string, info domain.SourceInfo) (domain.Asset, error)
	UpdateWeb(ctx context.Context, id string, web domain.WebInfo) (domain.Asset, error)
	UpdateAudio(ctx context.Context, id string, audio domain.AudioInfo) (domain.Asset, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.Asset, error)
}
