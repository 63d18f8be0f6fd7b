package derive

import (
	"path"
	"strings"

	"github.com/dunamismax/derivflow/internal/media"
)

const (
	DefaultSourcePrefix     = "assets/"
	DefaultDerivativePrefix = "derivatives"
	thumbnailSuffix         = "-thumbnail"
)

// KeyScheme computes deterministic output keys. The same source, token and
// format always map to the same key.
type KeyScheme struct {
	SourcePrefix     string
	DerivativePrefix string
}

// OutputKey maps e.g. assets/cat.png at 640w to derivatives/640w/cat.png.
// Video thumbnails become derivatives/360w/clip-thumbnail.jpg.
func (k KeyScheme) OutputKey(sourceKey, token string, kind media.Kind, out media.Format) string {
	rel := strings.TrimPrefix(strings.TrimSpace(sourceKey), "/")
	if prefix := strings.TrimPrefix(k.SourcePrefix, "/"); prefix != "" {
		rel = strings.TrimPrefix(rel, strings.TrimSuffix(prefix, "/")+"/")
	}

	stem := strings.TrimSuffix(rel, path.Ext(rel))
	if kind == media.KindVideo {
		stem += thumbnailSuffix
	}

	prefix := strings.Trim(k.DerivativePrefix, "/")
	if prefix == "" {
		prefix = DefaultDerivativePrefix
	}
	return path.Join(prefix, token, stem+"."+out.Ext)
}

// Location joins the public base URL and a key.
func Location(baseURL, key string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(key, "/")
}
