package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
)

const assetSchemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	original_uri TEXT NOT NULL DEFAULT '',
	source_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source JSONB NOT NULL DEFAULT '{}',
	web JSONB NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE assets ADD COLUMN IF NOT EXISTS audio_uri TEXT NOT NULL DEFAULT '';
ALTER TABLE assets ADD COLUMN IF NOT EXISTS audio JSONB NOT NULL DEFAULT '{}';
`

const assetColumns = `id, original_uri, source_key, audio_uri, status, source, web, audio, error, created_at, updated_at`

type PostgresAssetStore struct {
	db *sql.DB
}

func NewPostgresAssetStore(ctx context.Context, dsn string) (*PostgresAssetStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresAssetStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresAssetStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, assetSchemaSQL); err != nil {
		return fmt.Errorf("ensure assets schema: %w", err)
	}
	return nil
}

func (s *PostgresAssetStore) Close() error {
	return s.db.Close()
}

func (s *PostgresAssetStore) Put(ctx context.Context, asset domain.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	sourceJSON, webJSON, audioJSON, err := marshalInfo(asset.Source, asset.Web, asset.Audio)
	if err != nil {
		return err
	}
	if asset.Status == "" {
		asset.Status = domain.AssetStatusPending
	}
	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO assets (`+assetColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			original_uri = EXCLUDED.original_uri,
			source_key = EXCLUDED.source_key,
			audio_uri = EXCLUDED.audio_uri,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			web = EXCLUDED.web,
			audio = EXCLUDED.audio,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		asset.ID,
		asset.OriginalURI,
		asset.SourceKey,
		asset.AudioURI,
		asset.Status,
		sourceJSON,
		webJSON,
		audioJSON,
		asset.Error,
		asset.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

func (s *PostgresAssetStore) Get(ctx context.Context, id string) (domain.Asset, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Asset{}, false, nil
	}
	if err != nil {
		return domain.Asset{}, false, err
	}
	return asset, true, nil
}

func (s *PostgresAssetStore) UpdateSource(ctx context.Context, id, sourceKey string, info domain.SourceInfo) (domain.Asset, error) {
	sourceJSON, err := json.Marshal(info)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("marshal asset source: %w", err)
	}
	return s.updateReturning(ctx,
		`UPDATE assets
		 SET source_key = CASE WHEN $2 = '' THEN source_key ELSE $2 END,
			source = $3, updated_at = $4
		 WHERE id = $1
		 RETURNING `+assetColumns,
		id, sourceKey, sourceJSON, time.Now().UTC(),
	)
}

func (s *PostgresAssetStore) UpdateWeb(ctx context.Context, id string, web domain.WebInfo) (domain.Asset, error) {
	webJSON, err := json.Marshal(web)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("marshal asset web: %w", err)
	}
	return s.updateReturning(ctx,
		`UPDATE assets
		 SET web = $2, status = $3, error = '', updated_at = $4
		 WHERE id = $1
		 RETURNING `+assetColumns,
		id, webJSON, domain.AssetStatusOptimized, time.Now().UTC(),
	)
}

func (s *PostgresAssetStore) UpdateAudio(ctx context.Context, id string, audio domain.AudioInfo) (domain.Asset, error) {
	audioJSON, err := json.Marshal(audio)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("marshal asset audio: %w", err)
	}
	return s.updateReturning(ctx,
		`UPDATE assets
		 SET audio = $2, updated_at = $3
		 WHERE id = $1
		 RETURNING `+assetColumns,
		id, audioJSON, time.Now().UTC(),
	)
}

func (s *PostgresAssetStore) MarkFailed(ctx context.Context, id, reason string) (domain.Asset, error) {
	return s.updateReturning(ctx,
		`UPDATE assets
		 SET status = $2, error = $3, updated_at = $4
		 WHERE id = $1
		 RETURNING `+assetColumns,
		id, domain.AssetStatusFailed, reason, time.Now().UTC(),
	)
}

func (s *PostgresAssetStore) updateReturning(ctx context.Context, query string, args ...any) (domain.Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	if err != nil {
		return domain.Asset{}, fmt.Errorf("update asset: %w", err)
	}
	return asset, nil
}

func scanAsset(row *sql.Row) (domain.Asset, error) {
	var (
		asset      domain.Asset
		sourceJSON []byte
		webJSON    []byte
		audioJSON  []byte
	)
	if err := row.Scan(
		&asset.ID,
		&asset.OriginalURI,
		&asset.SourceKey,
		&asset.AudioURI,
		&asset.Status,
		&sourceJSON,
		&webJSON,
		&audioJSON,
		&asset.Error,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Asset{}, err
		}
		return domain.Asset{}, fmt.Errorf("query asset: %w", err)
	}

	if err := json.Unmarshal(sourceJSON, &asset.Source); err != nil {
		return domain.Asset{}, fmt.Errorf("unmarshal asset source: %w", err)
	}
	if err := json.Unmarshal(webJSON, &asset.Web); err != nil {
		return domain.Asset{}, fmt.Errorf("unmarshal asset web: %w", err)
	}
	if err := json.Unmarshal(audioJSON, &asset.Audio); err != nil {
		return domain.Asset{}, fmt.Errorf("unmarshal asset audio: %w", err)
	}
	return asset, nil
}

func marshalInfo(source domain.SourceInfo, web domain.WebInfo, audio domain.AudioInfo) (sourceJSON, webJSON, audioJSON []byte, err error) {
	if sourceJSON, err = json.Marshal(source); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal asset source: %w", err)
	}
	if webJSON, err = json.Marshal(web); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal asset web: %w", err)
	}
	if audioJSON, err = json.Marshal(audio); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal asset audio: %w", err)
	}
	return sourceJSON, webJSON, audioJSON, nil
}
