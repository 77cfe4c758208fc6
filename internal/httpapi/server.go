// Package httpapi exposes job submission, polling and model administration
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"meshd/internal/jobs"
	"meshd/internal/model"
	"meshd/internal/scheduler"
	"meshd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, req scheduler.Request) (jobs.Job, error)
	Job(id string) (jobs.Job, error)
	Result(id string) (model.Outputs, error)
	Cancel(ctx context.Context, id string) (jobs.Job, error)
	Jobs(f jobs.Filter) []jobs.Job

	ListModels() []types.Model
	Status() types.StatusResponse
	// LoadModel makes id resident, on gpu when gpu is not negative.
	LoadModel(ctx context.Context, id string, gpu int) error
	UnloadModel(ctx context.Context, id string) error
	ResetModel(id string) error
	// Events returns recent model lifecycle events, oldest first.
	Events() []types.Event
	Ready() bool
}

// CORSOptions configures the opt-in CORS middleware.
type CORSOptions struct {
	Enabled bool
	Origins []string
	Methods []string
	Headers []string
}

// Options tunes the router. The zero value is usable.
type Options struct {
	// MaxBodyBytes caps JSON request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	// SubmitRPS limits job submissions per second across all clients. Zero
	// disables the limiter.
	SubmitRPS   float64
	SubmitBurst int
	CORS        CORSOptions
	// OutputDir, when set, is the only directory artifacts are downloaded
	// from.
	OutputDir string
	// LogLevel is the default per-request log level; requests may override
	// it with ?log= or X-Log-Level.
	LogLevel LogLevel
	Logger   zerolog.Logger
	// AdminTimeout bounds synchronous model load/unload requests. Zero
	// means no bound beyond the request context.
	AdminTimeout time.Duration
}

const defaultMaxBodyBytes = 1 << 20

type server struct {
	svc     Service
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter
}

// NewMux builds the chi router serving /api/v1 plus the health, metrics and
// docs endpoints.
func NewMux(svc Service, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &server{svc: svc, opts: opts, log: opts.Logger}
	if opts.SubmitRPS > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = max(1, int(opts.SubmitRPS))
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRPS), burst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if opts.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(opts.CORS.Origins, []string{"*"}),
			AllowedMethods: orDefault(opts.CORS.Methods, []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: orDefault(opts.CORS.Headers, []string{"Content-Type", "X-Log-Level"}),
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limitSubmissions)
			r.Post("/jobs", s.submit(""))
			for route, f := range featureRoutes {
				r.Post(route, s.submit(f))
			}
		})
		r.Route("/system", func(r chi.Router) {
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{id}", s.getJob)
			r.Get("/jobs/{id}/result", s.getResult)
			r.Get("/jobs/{id}/download", s.download)
			r.Delete("/jobs/{id}", s.cancelJob)

			r.Get("/status", s.status)
			r.Get("/events", s.events)
			r.Get("/models", s.listModels)
			r.Post("/models/{id}/load", s.loadModel)
			r.Post("/models/{id}/unload", s.unloadModel)
			r.Post("/models/{id}/reset", s.resetModel)
		})
	})

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
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// featureRoutes maps the per-feature convenience endpoints to features.
var featureRoutes = map[string]model.FeatureType{
	"/mesh-generation/image-to-textured-mesh": model.FeatureImageToMesh,
	"/mesh-generation/text-to-textured-mesh":  model.FeatureTextToMesh,
	"/retopology":                             model.FeatureRetopology,
	"/uv-unwrapping":                          model.FeatureUVUnwrap,
	"/rigging":                                model.FeatureRig,
	"/segmentation":                           model.FeatureSegmentation,
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
