package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loraserve/internal/manager"
	"loraserve/pkg/types"
)

// Service is the inference side of the API.
type Service interface {
	Health() types.HealthResponse
	Status() types.StatusResponse
	Ready() bool
	Generate(ctx context.Context, req types.GenerateRequest) (string, error)
}

// Retrainer is the retraining side of the API. A nil Retrainer disables
// /v1/retrain (503) and leaves the job listing empty.
type Retrainer interface {
	Submit(ctx context.Context, filename string, body io.Reader) (types.TrainingJob, error)
	Job(id string) (types.TrainingJob, bool)
	Jobs() []types.TrainingJob
	Active() (types.TrainingJob, bool)
}

// AdapterLister lists trained adapter checkpoints.
type AdapterLister func() ([]types.Adapter, error)

// NewMux builds the HTTP router.
func NewMux(svc Service, jobs Retrainer, adapters AdapterLister) http.Handler {
	lim := currentLimits()
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if lim.cors {
		origins := lim.origins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: !containsWildcard(origins),
			MaxAge:           300,
		}))
	}

	h := &handlers{svc: svc, jobs: jobs, adapters: adapters, lim: lim}

	r.Get("/health", h.health)
	r.Get("/status", h.status)
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

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.generate)
		r.Post("/retrain", h.retrain)
		r.Get("/retrain/jobs", h.listJobs)
		r.Get("/retrain/jobs/{id}", h.getJob)
		r.Get("/adapters", h.listAdapters)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

type handlers struct {
	svc      Service
	jobs     Retrainer
	adapters AdapterLister
	lim      limits
}

// health godoc
// @Summary      Liveness and model identity
// @Tags         inference
// @Produce      json
// @Success      200  {object}  types.HealthResponse
// @Router       /health [get]
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

// status godoc
// @Summary      Detailed server status
// @Tags         ops
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	if h.jobs != nil {
		if j, ok := h.jobs.Active(); ok {
			st.ActiveJob = &j
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// generate godoc
// @Summary      Generate a prediction
// @Description  Runs one generation with the active adapter. Requests are served one at a time.
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        request  body      types.GenerateRequest  true  "Generation request"
// @Success      200      {object}  types.GenerateResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      415      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      500      {object}  types.ErrorResponse
// @Router       /v1/generate [post]
func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lvl := requestLogLevel(r)
	// Content-Type check
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.lim.body)
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// If exceeded size, MaxBytesReader may cause an error; still return 400 to avoid size leak details
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if e := requestEvent(r, lvl, LevelDebug); e != nil {
		e.Str("prompt", req.Prompt).Msg("generate start")
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(r.Context(), baseContext())
	defer cancel()
	if h.lim.genTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, h.lim.genTimeout)
		defer tcancel()
	}
	pred, err := h.svc.Generate(ctx, req)
	if err != nil {
		// If the client went away there is nobody to answer.
		if r.Context().Err() != nil {
			logEnd(r, lvl, 499, start, err)
			return
		}
		status := statusFor(err)
		if !manager.IsResource(err) {
			// our own deadline, or shutdown
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			} else if errors.Is(err, context.Canceled) {
				status = http.StatusServiceUnavailable
			}
		}
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("generate")
		}
		writeJSONError(w, status, err.Error())
		logEnd(r, lvl, status, start, err)
		return
	}
	writeJSON(w, http.StatusOK, types.GenerateResponse{Prediction: pred})
	logEnd(r, lvl, http.StatusOK, start, nil)
}

// listJobs godoc
// @Summary      List retraining jobs
// @Tags         retrain
// @Produce      json
// @Success      200  {object}  types.JobsResponse
// @Router       /v1/retrain/jobs [get]
func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	resp := types.JobsResponse{Jobs: []types.TrainingJob{}}
	if h.jobs != nil {
		resp.Jobs = append(resp.Jobs, h.jobs.Jobs()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// getJob godoc
// @Summary      Get one retraining job
// @Tags         retrain
// @Produce      json
// @Param        id   path      string  true  "Job id"
// @Success      200  {object}  types.TrainingJob
// @Failure      404  {object}  types.ErrorResponse
// @Router       /v1/retrain/jobs/{id} [get]
func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.jobs != nil {
		if j, ok := h.jobs.Job(id); ok {
			writeJSON(w, http.StatusOK, j)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "job not found: "+id)
}

// listAdapters godoc
// @Summary      List trained adapter checkpoints
// @Tags         retrain
// @Produce      json
// @Success      200  {object}  types.AdaptersResponse
// @Failure      500  {object}  types.ErrorResponse
// @Router       /v1/adapters [get]
func (h *handlers) listAdapters(w http.ResponseWriter, r *http.Request) {
	resp := types.AdaptersResponse{Adapters: []types.Adapter{}}
	if h.adapters != nil {
		list, err := h.adapters()
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		resp.Adapters = append(resp.Adapters, list...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// compile-time check that the manager satisfies Service
var _ Service = (*manager.Manager)(nil)
