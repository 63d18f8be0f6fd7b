package domain

import (
	"errors"
	"strings"
	"time"
)

var ErrAssetNotFound = errors.New("asset not found")

const (
	AssetStatusPending   = "pending"
	AssetStatusOptimized = "optimized"
	AssetStatusFailed    = "failed"
)

// Asset is the metadata record of a media asset. OriginalURI points at a
// remote original; SourceKey is set once the original is in object storage.
// AudioURI names an optional audio track that is stored alongside.
type Asset struct {
	ID          string     `json:"id"`
	OriginalURI string     `json:"original_uri,omitempty"`
	SourceKey   string     `json:"source_key,omitempty"`
	AudioURI    string     `json:"audio_uri,omitempty"`
	Status      string     `json:"status"`
	Source      SourceInfo `json:"source"`
	Web         WebInfo    `json:"web"`
	Audio       AudioInfo  `json:"audio"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SourceInfo describes the stored original.
type SourceInfo struct {
	Width       int           `json:"width,omitempty"`
	Height      int           `json:"height,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	MIMEType    string        `json:"mime_type,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Ext         string        `json:"ext,omitempty"`
}

// WebInfo describes the published web derivative.
type WebInfo struct {
	Key         string `json:"key,omitempty"`
	Location    string `json:"location,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Ext         string `json:"ext,omitempty"`
}

// AudioInfo describes the stored audio track.
type AudioInfo struct {
	Key      string `json:"key,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Ext      string `json:"ext,omitempty"`
}

func (a Asset) NeedsIngest() bool {
	return strings.TrimSpace(a.SourceKey) == "" && strings.TrimSpace(a.OriginalURI) != ""
}

// NeedsAudio reports whether the audio track still has to be stored. force
// stores it again even when one was recorded.
func (a Asset) NeedsAudio(force bool) bool {
	if strings.TrimSpace(a.AudioURI) == "" {
		return false
	}
	return force || a.Audio.Key == ""
}

func (a Asset) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("asset id is required")
	}
	if strings.TrimSpace(a.SourceKey) == "" && strings.TrimSpace(a.OriginalURI) == "" {
		return errors.New("asset needs a source key or an original uri")
	}
	if a.SourceKey != "" {
		return ValidateSourceKey(a.SourceKey)
	}
	return nil
}
