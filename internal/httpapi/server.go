package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"batchd/internal/manager"
	"batchd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Abort(requestID string) bool
	Ready() bool
}

type server struct {
	svc  Service
	opts Options
	log  zerolog.Logger
}

// NewMux builds the router for svc.
func NewMux(svc Service, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &server{svc: svc, opts: opts, log: opts.Logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORS.AllowedOrigins,
			AllowedMethods: opts.CORS.AllowedMethods,
			AllowedHeaders: opts.CORS.AllowedHeaders,
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", s.handleModels)
	r.Get("/status", s.handleStatus)
	r.Post("/generate", s.handleGenerate)
	r.Delete("/requests/{id}", s.handleAbort)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.ModelsResponse{Models: s.svc.ListModels()})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.Status())
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.svc.Abort(id) {
		writeJSONError(w, http.StatusNotFound, "request not found: "+id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// trackingWriter records whether any body bytes reached the client, after
// which errors can no longer change the status code.
type trackingWriter struct {
	w       io.Writer
	written bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	t.written = true
	return t.w.Write(p)
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.PromptTokens) == 0 {
		writeJSONError(w, http.StatusBadRequest, "prompt or prompt_tokens is required")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", req.RequestID)
	if req.Stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	tw := &trackingWriter{w: w}
	var out io.Writer = tw

	lvl := requestLogLevel(r, s.opts.LogLevel)
	log := s.log.With().Str("request_id", req.RequestID).Str("model", req.Model).Logger()
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		log = log.With().Str("http_request_id", rid).Logger()
	}
	if lvl >= LevelDebug {
		out = io.MultiWriter(tw, &loggingLineWriter{log: log})
	}
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Bool("stream", req.Stream).Msg("generate start")
	}

	ctx, cancel := joinContexts(s.opts.BaseContext, r.Context())
	defer cancel()
	if s.opts.GenerateTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.opts.GenerateTimeout)
		defer cancelTimeout()
	}

	err := s.svc.Generate(ctx, req, out, flush)
	if err == nil {
		if lvl >= LevelInfo {
			log.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("generate end")
		}
		return
	}
	// The client is gone; there is nobody to tell.
	if r.Context().Err() != nil || s.opts.BaseContext.Err() != nil {
		if lvl >= LevelInfo {
			log.Info().Err(err).Dur("dur", time.Since(start)).Msg("generate canceled")
		}
		return
	}
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(backpressureReason(err))
	}
	if lvl >= LevelError {
		log.Error().Err(err).Int("status", status).Dur("dur", time.Since(start)).Bool("partial", tw.written).Msg("generate end")
	}
	if tw.written {
		return
	}
	writeJSONError(w, status, err.Error())
}

func backpressureReason(err error) string {
	if manager.IsTooBusy(err) {
		return "queue_full"
	}
	return "service"
}
