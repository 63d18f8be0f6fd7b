// Package ingest copies remote originals into object storage so the derive
// pipeline can read them like any other source.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/derivflow/internal/media"
	"github.com/dunamismax/derivflow/internal/storage"
	"github.com/rs/zerolog"
)

const (
	DefaultIPFSGateway    = "https://ipfs.io/ipfs/"
	DefaultArweaveGateway = "https://arweave.net/"
	DefaultRawPrefix      = "raw"
	DefaultAudioPrefix    = "audio"
	DefaultPartSize       = 16 << 20
)

var (
	ErrUnsupportedURI = errors.New("unsupported original uri")
	ErrRemoteFetch    = errors.New("fetch remote original")
	ErrNotAudio       = errors.New("remote file is not audio")
)

// ResolveURI maps ipfs:// and ar:// URIs onto HTTP gateways. http(s) URIs
// pass through unchanged.
func ResolveURI(uri, ipfsGateway, arweaveGateway string) (string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(uri, "ipfs://"):
		rest := strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
		if rest == "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
		}
		return gatewayJoin(ipfsGateway, DefaultIPFSGateway, rest), nil
	case strings.HasPrefix(uri, "ar://"):
		rest := strings.TrimPrefix(uri, "ar://")
		if rest == "" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
		}
		return gatewayJoin(arweaveGateway, DefaultArweaveGateway, rest), nil
	case strings.HasPrefix(uri, "https://"), strings.HasPrefix(uri, "http://"):
		return uri, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
}

func gatewayJoin(gateway, fallback, rest string) string {
	if strings.TrimSpace(gateway) == "" {
		gateway = fallback
	}
	return strings.TrimRight(gateway, "/") + "/" + strings.TrimLeft(rest, "/")
}

type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) (storage.Ack, error)
}

type Config struct {
	IPFSGateway    string
	ArweaveGateway string
	RawPrefix      string
	AudioPrefix    string
	Timeout        time.Duration
	PartSize       uint64
}

// Fetcher streams remote originals into storage under {raw prefix}/{id}.{ext}.
type Fetcher struct {
	client  *http.Client
	storage ObjectWriter
	cfg     Config
	log     zerolog.Logger
}

func NewFetcher(w ObjectWriter, cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RawPrefix == "" {
		cfg.RawPrefix = DefaultRawPrefix
	}
	if cfg.AudioPrefix == "" {
		cfg.AudioPrefix = DefaultAudioPrefix
	}
	if cfg.PartSize == 0 {
		cfg.PartSize = DefaultPartSize
	}
	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		storage: w,
		cfg:     cfg,
		log:     logger.With().Str("component", "ingest").Logger(),
	}
}

// Result describes an ingested original.
type Result struct {
	Key   string
	URL   string
	Media media.Descriptor
	Ack   storage.Ack
}

// Ingest copies the original at uri into storage for asset id. The body is
// never held in memory beyond the sniff prefix.
func (f *Fetcher) Ingest(ctx context.Context, id, uri string) (Result, error) {
	return f.fetch(ctx, id, uri, f.cfg.RawPrefix, media.DescribeMIME, media.Sniff)
}

// IngestAudio copies the audio track at uri into the audio prefix. Anything
// that is not audio is refused with ErrNotAudio before a byte is stored.
func (f *Fetcher) IngestAudio(ctx context.Context, id, uri string) (Result, error) {
	res, err := f.fetch(ctx, id, uri, f.cfg.AudioPrefix, media.DescribeAudio, media.SniffAudio)
	if errors.Is(err, media.ErrUnknownMediaType) {
		return Result{}, fmt.Errorf("%w: %w", ErrNotAudio, err)
	}
	return res, err
}

type describeFunc func(contentType string) (media.Descriptor, bool)
type sniffFunc func(r io.Reader, name string) (media.Descriptor, error)

func (f *Fetcher) fetch(ctx context.Context, id, uri, prefix string, describeType describeFunc, sniff sniffFunc) (Result, error) {
	if strings.TrimSpace(id) == "" {
		return Result{}, errors.New("ingest: asset id is required")
	}
	url, err := ResolveURI(uri, f.cfg.IPFSGateway, f.cfg.ArweaveGateway)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRemoteFetch, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrRemoteFetch, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("%w: %s returned status=%d", ErrRemoteFetch, url, resp.StatusCode)
	}

	desc, body, err := describe(resp, describeType, sniff)
	if err != nil {
		return Result{}, err
	}

	key := path.Join(prefix, id+"."+desc.Extension)
	opts := storage.PutOptions{ContentType: desc.MIMEType}
	size := resp.ContentLength
	if size < 0 {
		opts.PartSize = f.cfg.PartSize
	}

	ack, err := f.storage.Put(ctx, key, body, size, opts)
	if err != nil {
		return Result{}, fmt.Errorf("store %s: %w", key, err)
	}

	f.log.Info().
		Str("asset_id", id).
		Str("url", url).
		Str("key", key).
		Str("mime", desc.MIMEType).
		Int64("size", ack.Size).
		Msg("remote file ingested")
	return Result{Key: key, URL: url, Media: desc, Ack: ack}, nil
}

// describe picks the media type from Content-Type, sniffing the body when
// the header is missing or generic. The returned reader replays any sniffed
// prefix.
func describe(resp *http.Response, describeType describeFunc, sniff sniffFunc) (media.Descriptor, io.Reader, error) {
	contentType := resp.Header.Get("Content-Type")
	if d, ok := describeType(contentType); ok {
		return d, resp.Body, nil
	}

	var head bytes.Buffer
	if _, err := io.CopyN(&head, resp.Body, media.SniffLength); err != nil && !errors.Is(err, io.EOF) {
		return media.Descriptor{}, nil, fmt.Errorf("%w: read prefix: %v", ErrRemoteFetch, err)
	}
	d, err := sniff(bytes.NewReader(head.Bytes()), resp.Request.URL.String())
	if err != nil {
		return media.Descriptor{}, nil, err
	}
	return d, io.MultiReader(&head, resp.Body), nil
}
