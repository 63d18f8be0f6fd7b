package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/derivflow/internal/derive"
	"github.com/dunamismax/derivflow/internal/domain"
	"github.com/dunamismax/derivflow/internal/queue"
	"github.com/dunamismax/derivflow/internal/ratelimit"
	"github.com/dunamismax/derivflow/internal/sizespec"
	"github.com/dunamismax/derivflow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgInvalidOutputSize = "Invalid output size."
	msgInvalidImageSize  = "Invalid image size."
	msgInvalidSourceKey  = "Invalid source key."
)

// Deriver produces or reuses one derivative.
type Deriver interface {
	Generate(ctx context.Context, req domain.DerivativeRequest) (derive.Outcome, error)
}

type queueEnqueuer interface {
	EnqueueOptimizeAsset(ctx context.Context, payload queue.OptimizeAssetPayload) (*asynq.TaskInfo, error)
}

// SizeParser validates size tokens before a job is queued.
type SizeParser interface {
	Parse(token string) (sizespec.Spec, error)
}

type Options struct {
	Logger      zerolog.Logger
	Deriver     Deriver
	Sizes       SizeParser
	Queue       queueEnqueuer
	Assets      store.AssetStore
	RateLimiter ratelimit.Limiter
	Registry    *prometheus.Registry
	Tracer      trace.Tracer
}

type Server struct {
	log         zerolog.Logger
	deriver     Deriver
	sizes       SizeParser
	queue       queueEnqueuer
	assets      store.AssetStore
	rateLimiter ratelimit.Limiter
	metrics     *metrics
	tracer      trace.Tracer
	router      chi.Router
}

func NewServer(opts Options) *Server {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("derivflow/api")
	}
	s := &Server{
		log:         opts.Logger.With().Str("component", "api").Logger(),
		deriver:     opts.Deriver,
		sizes:       opts.Sizes,
		queue:       opts.Queue,
		assets:      opts.Assets,
		rateLimiter: opts.RateLimiter,
		metrics:     newMetrics(opts.Registry),
		tracer:      tracer,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(
		withRequestID,
		middleware.RealIP,
		s.withAccessLog,
		middleware.Recoverer,
		s.withTracing,
		s.metrics.withHTTPMetrics,
		s.withRateLimit,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/derivatives/{size}/*", s.handleDerivative)
		r.Put("/assets/{id}", s.handlePutAsset)
		r.Get("/assets/{id}", s.handleGetAsset)
		r.Post("/assets/{id}/optimize", s.handleOptimizeAsset)
	})
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDerivative redirects to the derivative of the wildcard source key,
// producing it first when missing or when force is set.
func (s *Server) handleDerivative(w http.ResponseWriter, r *http.Request) {
	if s.deriver == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "derivatives are unavailable"})
		return
	}

	force, err := parseForce(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	out, err := s.deriver.Generate(r.Context(), domain.DerivativeRequest{
		SourceKey: chi.URLParam(r, "*"),
		Size:      chi.URLParam(r, "size"),
		Force:     force,
	})
	if err != nil {
		s.writeDeriveError(w, r, err)
		return
	}

	if out.Cached {
		w.Header().Set("X-Derivflow-Cache", "hit")
	} else {
		w.Header().Set("X-Derivflow-Cache", "miss")
	}
	http.Redirect(w, r, out.Location, http.StatusMovedPermanently)
}

func parseForce(r *http.Request) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("force"))
	if raw == "" {
		return false, nil
	}
	force, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("force must be a boolean, got %q", raw)
	}
	return force, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeDeriveError maps caller input errors to 404 with a short reason, an
// aborted request to 503, and everything else to an opaque 500 carrying the
// failure kind.
func (s *Server) writeDeriveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sizespec.ErrInvalidSizeToken):
		writeText(w, http.StatusNotFound, msgInvalidOutputSize)
		return
	case errors.Is(err, sizespec.ErrInvalidSizeFormat):
		writeText(w, http.StatusNotFound, msgInvalidImageSize)
		return
	case errors.Is(err, domain.ErrInvalidSourceKey):
		writeText(w, http.StatusNotFound, msgInvalidSourceKey)
		return
	}

	kind := derive.KindOf(err)
	if kind.Client() {
		writeText(w, http.StatusNotFound, msgInvalidImageSize)
		return
	}
	if kind == derive.KindCanceled {
		s.requestLog(r).Warn().Err(err).Msg("derivative request canceled")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error: "derivative request canceled",
			Code:  string(kind),
		})
		return
	}
	s.requestLog(r).Error().Err(err).Str("kind", string(kind)).Msg("derivative failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{
		Error: "derivative generation failed",
		Code:  string(kind),
	})
}

type putAssetRequest struct {
	OriginalURI string `json:"original_uri"`
	SourceKey   string `json:"source_key"`
	AudioURI    string `json:"audio_uri"`
}

func (s *Server) handlePutAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "asset store is unavailable"})
		return
	}

	var req putAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	asset := domain.Asset{
		ID:          chi.URLParam(r, "id"),
		OriginalURI: strings.TrimSpace(req.OriginalURI),
		SourceKey:   strings.TrimSpace(req.SourceKey),
		AudioURI:    strings.TrimSpace(req.AudioURI),
		Status:      domain.AssetStatusPending,
	}
	if err := asset.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.assets.Put(r.Context(), asset); err != nil {
		s.requestLog(r).Error().Err(err).Str("asset_id", asset.ID).Msg("store asset failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to store asset"})
		return
	}

	stored, _, err := s.assets.Get(r.Context(), asset.ID)
	if err != nil {
		stored = asset
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "asset store is unavailable"})
		return
	}
	asset, ok, err := s.assets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.requestLog(r).Error().Err(err).Msg("load asset failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load asset"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: domain.ErrAssetNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type optimizeRequest struct {
	Size       string `json:"size"`
	Force      bool   `json:"force"`
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleOptimizeAsset(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "queue is unavailable"})
		return
	}

	var req optimizeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
	}

	req.Size = strings.TrimSpace(req.Size)
	if req.Size != "" && s.sizes != nil {
		if _, err := s.sizes.Parse(req.Size); err != nil {
			msg := msgInvalidImageSize
			if errors.Is(err, sizespec.ErrInvalidSizeToken) {
				msg = msgInvalidOutputSize
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: string(derive.KindInvalidRequest)})
			return
		}
	}

	assetID := chi.URLParam(r, "id")
	if s.assets != nil {
		_, ok, err := s.assets.Get(r.Context(), assetID)
		if err != nil {
			s.requestLog(r).Error().Err(err).Str("asset_id", assetID).Msg("load asset failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to load asset"})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: domain.ErrAssetNotFound.Error()})
			return
		}
	}

	info, err := s.queue.EnqueueOptimizeAsset(r.Context(), queue.OptimizeAssetPayload{
		AssetID:     assetID,
		Size:        req.Size,
		Force:       req.Force,
		WebhookURL:  strings.TrimSpace(req.WebhookURL),
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		s.requestLog(r).Error().Err(err).Str("asset_id", assetID).Msg("enqueue failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to enqueue asset"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"asset_id":    assetID,
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": info.NextProcessAt,
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
