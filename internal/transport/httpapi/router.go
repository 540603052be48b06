package httpapi

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pollcron/internal/poll"
	"pollcron/internal/usecase"
	logx "pollcron/pkg/logx"
)

// Service is the use-case surface the API needs.
type Service interface {
	GetPoll(ctx context.Context, id uuid.UUID) (poll.Poll, error)
	ListPolls(ctx context.Context) ([]poll.Poll, error)
	SavePoll(ctx context.Context, spec poll.Spec) (poll.Poll, error)
	DeletePoll(ctx context.Context, id uuid.UUID) error

	ListGroups(ctx context.Context) ([]poll.Group, error)
	GetGroup(ctx context.Context, id uuid.UUID) (poll.Group, error)
	CreateGroup(ctx context.Context, spec poll.Spec) (poll.Group, error)
	UpdateGroup(ctx context.Context, id uuid.UUID, spec poll.Spec) (poll.Group, error)

	Instances(ctx context.Context, pollID uuid.UUID) ([]poll.Instance, error)
	Instance(ctx context.Context, pollID uuid.UUID, instanceID string) (poll.Instance, error)
	InstanceAnswers(ctx context.Context, pollID uuid.UUID) ([]poll.InstanceAnswer, error)
	GroupAnswers(ctx context.Context, groupID uuid.UUID) ([]poll.InstanceAnswer, error)
	PollTally(ctx context.Context, pollID uuid.UUID) (usecase.Tally, error)
	GroupTally(ctx context.Context, groupID uuid.UUID) (usecase.Tally, error)
}

// HealthFunc reports component details; an error marks the service down.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type API struct {
	svc    Service
	health HealthFunc
	log    logx.Logger

	// profiler mounts net/http/pprof under /debug behind the same auth.
	profiler bool
}

func New(svc Service, health HealthFunc, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{svc: svc, health: health, log: log}
}

// EnableProfiler exposes runtime profiles at /debug/pprof/. Call it before
// Router.
func (a *API) EnableProfiler() { a.profiler = true }

// Router builds the route table. A non-empty token protects every route
// except /healthz.
func (a *API) Router(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.recoverer)
	r.Use(a.requestLog)

	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Route("/polls", func(r chi.Router) {
			r.Get("/", a.listPolls)
			r.Post("/", a.createPoll)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getPoll)
				r.Put("/", a.updatePoll)
				r.Delete("/", a.deletePoll)
				r.Get("/instances", a.listInstances)
				r.Get("/instances/answers", a.pollAnswers)
				r.Get("/instances/{instance}", a.getInstance)
				r.Get("/tally", a.pollTally)
			})
		})

		r.Route("/poll-groups", func(r chi.Router) {
			r.Get("/", a.listGroups)
			r.Post("/", a.createGroup)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getGroup)
				r.Put("/", a.updateGroup)
				r.Get("/instances/answers", a.groupAnswers)
				r.Get("/tally", a.groupTally)
			})
		})

		if a.profiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const p = "Bearer "
			ah := r.Header.Get("Authorization")
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		})
	}
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("panic recovered",
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		d := time.Since(start)

		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", d),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			a.log.Warn("request failed", fields...)
		case d >= 750*time.Millisecond:
			a.log.Info("request ok", fields...)
		default:
			a.log.Debug("request ok", fields...)
		}
	})
}
