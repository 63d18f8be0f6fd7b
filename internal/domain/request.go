package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// DerivativeRequest asks for the derivative of SourceKey at Size. Force
// regenerates even when the derivative already exists.
type DerivativeRequest struct {
	SourceKey string `json:"source_key"`
	Size      string `json:"size"`
	Force     bool   `json:"force,omitempty"`
}

// NewDerivativeRequest trims and validates the inputs.
func NewDerivativeRequest(sourceKey, size string, force bool) (DerivativeRequest, error) {
	r := DerivativeRequest{
		SourceKey: strings.TrimSpace(sourceKey),
		Size:      strings.TrimSpace(size),
		Force:     force,
	}
	if err := r.Validate(); err != nil {
		return DerivativeRequest{}, err
	}
	return r, nil
}

// Validate checks the source key. The size token is checked by the size
// parser against its allow-list.
func (r DerivativeRequest) Validate() error {
	return ValidateSourceKey(r.SourceKey)
}

var ErrInvalidSourceKey = errors.New("invalid source key")

// ValidateSourceKey rejects empty keys, absolute keys and keys that escape
// their prefix.
func ValidateSourceKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: source key is required", ErrInvalidSourceKey)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidSourceKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q escapes its prefix", ErrInvalidSourceKey, key)
		}
	}
	if strings.HasSuffix(key, "/") || path.Base(key) == "." {
		return fmt.Errorf("%w: %q names a directory", ErrInvalidSourceKey, key)
	}
	return nil
}
