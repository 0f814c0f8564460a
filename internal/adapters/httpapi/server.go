package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/usecase/authflow"
	"tweetkeeper/internal/usecase/ingest"
	mediausecase "tweetkeeper/internal/usecase/media"
	"tweetkeeper/internal/usecase/poll"
)

// Deps перечисляет зависимости HTTP API.
type Deps struct {
	Users     domain.UserRepo
	Providers domain.ProviderAccountRepo
	Targets   domain.TargetAccountRepo
	Posts     domain.PostRepo
	Media     domain.MediaRepo
	Timelines domain.TimelineRepo

	Storage domain.ObjectStorage
	Queue   domain.MediaQueue
	Cache   domain.Cache

	Ingest    *ingest.Service
	Auth      *authflow.Service
	MediaSvc  *mediausecase.Service
	Scheduler *poll.Scheduler

	JWTSecret []byte
	TokenTTL  time.Duration
}

type Server struct {
	deps Deps
	log  zerolog.Logger
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func NewServer(deps Deps, opts ...Option) *Server {
	srv := &Server{deps: deps, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/auth/register", s.handleRegister)
	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)

		r.Get("/api/v1/auth/me", s.handleMe)

		r.Route("/api/v1/users", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/", s.handleCreateUser)
			r.Get("/", s.handleListUsers)
			r.Get("/{id}", s.handleGetUser)
			r.Delete("/{id}", s.handleDeleteUser)
		})

		r.Route("/api/v1/provider-accounts", func(r chi.Router) {
			r.Post("/authenticate", s.handleAuthenticateInit)
			r.Post("/challenge", s.handleAuthenticateChallenge)
			r.Get("/", s.handleListProviderAccounts)
			r.Get("/{id}", s.handleGetProviderAccount)
			r.Post("/{id}/refresh", s.handleRefreshProviderAccount)
			r.Delete("/{id}", s.handleDeleteProviderAccount)
		})

		r.Route("/api/v1/target-accounts", func(r chi.Router) {
			r.Post("/", s.handleCreateTargetAccount)
			r.Get("/", s.handleListTargetAccounts)
			r.Get("/{id}", s.handleGetTargetAccount)
			r.Patch("/{id}", s.handleUpdateTargetAccount)
			r.Delete("/{id}", s.handleDeleteTargetAccount)
			r.Post("/{id}/fetch", s.handleFetchNow)
		})

		r.Route("/api/v1/posts", func(r chi.Router) {
			r.Get("/", s.handleListPosts)
			r.Get("/bookmarked", s.handleListBookmarked)
			r.Get("/{id}", s.handleGetPost)
			r.Post("/{id}/read", s.handleMarkRead)
			r.Post("/{id}/bookmark", s.handleBookmark)
			r.Delete("/{id}/bookmark", s.handleUnbookmark)
		})

		r.Route("/api/v1/timelines", func(r chi.Router) {
			r.Post("/", s.handleCreateTimeline)
			r.Get("/", s.handleListTimelines)
			r.Get("/{id}", s.handleGetTimeline)
			r.Patch("/{id}", s.handleUpdateTimeline)
			r.Put("/{id}/accounts", s.handleSetTimelineAccounts)
			r.Delete("/{id}", s.handleDeleteTimeline)
			r.Get("/{id}/posts", s.handleListTimelinePosts)
		})

		r.Route("/api/v1/media", func(r chi.Router) {
			r.Post("/process/pending", s.handleProcessPending)
			r.Post("/process/{id}", s.handleProcessMedia)
			r.Post("/retry", s.handleRetryFailed)
			r.Get("/{id}/url", s.handleMediaURL)
		})
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
