package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tmnsolutions/runpod-worker-comfyui/internal/domain"
	"github.com/tmnsolutions/runpod-worker-comfyui/internal/events"
)

const (
	defaultRecentLimit    = 50
	defaultPublishTimeout = time.Second
)

// Notifier wakes the dispatcher after a job is submitted.
type Notifier interface {
	Notify()
}

// ArtifactRemover deletes files a job produced.
type ArtifactRemover interface {
	RemoveAll(ctx context.Context, prefix string) error
}

// App holds the collaborators shared by every handler. Notifier, Events and
// Artifacts are optional. PublishTimeout bounds each event publish so a slow
// broker cannot hold up a response.
type App struct {
	Repo           domain.JobRepository
	Notifier       Notifier
	Events         events.Publisher
	Artifacts      ArtifactRemover
	Logger         zerolog.Logger
	Location       string
	RecentLimit    int
	PublishTimeout time.Duration
}

func NewApp(repo domain.JobRepository, logger zerolog.Logger) *App {
	return &App{
		Repo:           repo,
		Events:         events.Nop{},
		Logger:         logger,
		RecentLimit:    defaultRecentLimit,
		PublishTimeout: defaultPublishTimeout,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, detail string) {
	a.json(w, code, map[string]string{"error": errCode, "detail": detail})
}

// storeError maps a Job Store error onto an HTTP response.
func (a *App) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidPayload):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		a.Logger.Error().Err(err).Str("op", op).Str("path", r.URL.Path).Msg("handlers: store error")
		a.error(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (a *App) publish(ctx context.Context, ev events.Event) {
	if a.Events == nil {
		return
	}
	timeout := a.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	ev.At = time.Now().UTC()
	if err := a.Events.Publish(pctx, ev); err != nil {
		a.Logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("handlers: publish event failed")
	}
}

// epochSeconds renders t the way job clients expect timestamps: fractional
// Unix seconds.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func epochSecondsPtr(t *time.Time) *float64 {
	if t == nil {
		return nil
	}
	v := epochSeconds(*t)
	return &v
}
