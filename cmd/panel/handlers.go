package main

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
	"github.com/gocql/gocql"
	"github.com/rs/zerolog"

	"adspanel/internal/accounts"
	"adspanel/internal/auth"
	"adspanel/internal/catalog"
	"adspanel/internal/history"
	pkgauth "adspanel/pkg/auth"
)

type videoService interface {
	Upload(ctx context.Context, filename string, r io.Reader, size int64, displayUserID string) (catalog.Video, error)
	List(ctx context.Context) ([]catalog.Group, error)
	Delete(ctx context.Context, name string) error
	Assign(ctx context.Context, name, displayUserID string) error
}

type userService interface {
	Create(ctx context.Context, req accounts.NewUser) (accounts.User, error)
	Delete(ctx context.Context, id string) error
	LinkBrand(ctx context.Context, displayID, brandID string) error
	List(ctx context.Context) ([]accounts.User, error)
	Authenticate(ctx context.Context, name, password string) (accounts.User, error)
}

type historyService interface {
	Login(ctx context.Context, userName, deviceModel, userAgent string) (history.Entry, error)
	Ping(ctx context.Context, id gocql.UUID) error
	Logout(ctx context.Context, id gocql.UUID) error
	Rows(ctx context.Context, date string) ([]history.Row, error)
	Export(ctx context.Context, w io.Writer, date string) error
}

type server struct {
	videos    videoService
	users     userService
	history   historyService
	tokens    *auth.Service
	live      http.Handler
	apiToken  string
	maxUpload int64
	log       zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/device", func(r chi.Router) {
		r.Post("/login", s.handleDeviceLogin)
		r.With(s.tokens.RequireSession).Post("/ping", s.handleDevicePing)
		r.With(s.tokens.RequireSession).Post("/logout", s.handleDeviceLogout)
	})

	r.With(pkgauth.TokenMiddleware(s.apiToken)).Get("/live", s.live.ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(pkgauth.TokenMiddleware(s.apiToken))
		r.Get("/videos", s.handleListVideos)
		r.Post("/videos", s.handleUploadVideo)
		r.Delete("/videos/{name}", s.handleDeleteVideo)
		r.Put("/videos/{name}/assignment", s.handleAssignVideo)

		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Delete("/users/{id}", s.handleDeleteUser)
		r.Put("/users/{id}/brand", s.handleLinkBrand)

		r.Get("/history", s.handleHistory)
		r.Get("/history/export", s.handleExport)
	})
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors to a status; anything unknown is logged as a 500.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, accounts.ErrInvalidName),
		errors.Is(err, accounts.ErrWeakPassword),
		errors.Is(err, accounts.ErrInvalidRole),
		errors.Is(err, accounts.ErrInvalidBrand),
		errors.Is(err, catalog.ErrEmptyFile),
		errors.Is(err, catalog.ErrInvalidName),
		errors.Is(err, catalog.ErrUnknownDisplay),
		errors.Is(err, history.ErrInvalidDate):
		status = http.StatusBadRequest
	case errors.Is(err, accounts.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, catalog.ErrObjectNotFound),
		errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, accounts.ErrUserExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		errorJSON(w, status, "internal error")
		return
	}
	errorJSON(w, status, err.Error())
}

func (s *server) handleDeviceLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserName    string `json:"user_name"`
		Password    string `json:"password"`
		DeviceModel string `json:"device_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	user, err := s.users.Authenticate(r.Context(), req.UserName, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.history.Login(r.Context(), user.UserName, req.DeviceModel, r.UserAgent())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, exp, err := s.tokens.IssueSession(auth.Claims{
		UserID:    user.ID,
		UserName:  user.UserName,
		Role:      string(user.Role),
		SessionID: entry.ID.String(),
	})
	if err != nil {
		errorJSON(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": exp,
		"session_id": entry.ID.String(),
		"user":       user,
	})
}

func sessionID(r *http.Request) (gocql.UUID, bool) {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		return gocql.UUID{}, false
	}
	id, err := gocql.ParseUUID(claims.SessionID)
	return id, err == nil
}

func (s *server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "invalid session")
		return
	}
	if err := s.history.Ping(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeviceLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		errorJSON(w, http.StatusUnauthorized, "invalid session")
		return
	}
	if err := s.history.Logout(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	groups, err := s.videos.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid upload")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		errorJSON(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()
	video, err := s.videos.Upload(r.Context(), header.Filename, file, header.Size, r.FormValue("display_user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, video)
}

func (s *server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.videos.Delete(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func (s *server) handleAssignVideo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayUserID string `json:"display_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.videos.Assign(r.Context(), name, req.DisplayUserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req accounts.NewUser
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	user, err := s.users.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.users.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *server) handleLinkBrand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BrandID string `json:"brand_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.users.LinkBrand(r.Context(), chi.URLParam(r, "id"), req.BrandID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.history.Rows(r.Context(), r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleExport downloads every day, or one day when ?date= is given. An
// explicit but empty date is rejected.
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	if q.Has("date") && date == "" {
		errorJSON(w, http.StatusBadRequest, "select a date to export")
		return
	}
	if _, err := history.ParseDate(date); err != nil {
		s.fail(w, r, err)
		return
	}
	var buf strings.Builder
	if err := s.history.Export(r.Context(), &buf, date); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+history.ExportFilename(date)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, buf.String())
}
