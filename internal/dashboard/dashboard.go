// Package dashboard serves the web overview of users, meals and shopping lists.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
	"github.com/naehrwerk/naehrwerk-bot/internal/store"
)

const (
	mealWindow     = 7 * 24 * time.Hour
	apiMealLimit   = 50
	pageListLimit  = 5
	maxRequestBody = 1 << 20
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Local().Format("02.01.2006 15:04") },
}).ParseFS(templateFS, "templates/*.html"))

// Store is the persistence the dashboard reads and writes.
type Store interface {
	ListUsers(ctx context.Context) ([]store.User, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	ListMeals(ctx context.Context, userID int64, since time.Time, limit int) ([]store.Meal, error)
	ListHouseholdMembers(ctx context.Context, userID int64) ([]store.HouseholdMember, error)
	ListShoppingLists(ctx context.Context, userID int64, limit int) ([]store.ShoppingList, error)
	CreateShoppingList(ctx context.Context, l store.ShoppingList) (store.ShoppingList, error)
}

// Server handles dashboard requests.
type Server struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// New creates a dashboard server.
func New(s Store) *Server {
	return &Server{store: s, now: time.Now, log: logger.Component("dashboard")}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /user/{id}", s.handleUser)
	mux.HandleFunc("GET /api/meals", s.handleMeals)
	mux.HandleFunc("GET /api/shopping-list", s.handleListShopping)
	mux.HandleFunc("POST /api/shopping-list", s.handleCreateShopping)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Info("dashboard stopped")
		return nil
	}
}

type indexPage struct {
	Users []store.User
	Error string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.log.Error("failed to load users", "error", err)
		page.Error = err.Error()
	}
	page.Users = users
	s.render(w, http.StatusOK, "index.html", page)
}

type userPage struct {
	User          store.User
	Meals         []store.Meal
	TotalCalories int
	Household     []store.HouseholdMember
	ShoppingLists []store.ShoppingList
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.pageError(w, "get user", err)
		return
	}

	page := userPage{User: u}
	if page.Meals, err = s.store.ListMeals(ctx, id, s.now().Add(-mealWindow), 0); err != nil {
		s.pageError(w, "list meals", err)
		return
	}
	for _, m := range page.Meals {
		if m.Calories != nil {
			page.TotalCalories += *m.Calories
		}
	}
	if page.Household, err = s.store.ListHouseholdMembers(ctx, id); err != nil {
		s.pageError(w, "list household", err)
		return
	}
	if page.ShoppingLists, err = s.store.ListShoppingLists(ctx, id, pageListLimit); err != nil {
		s.pageError(w, "list shopping lists", err)
		return
	}
	s.render(w, http.StatusOK, "user.html", page)
}

func (s *Server) handleMeals(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	meals, err := s.store.ListMeals(r.Context(), userID, time.Time{}, apiMealLimit)
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, meals)
}

func (s *Server) handleListShopping(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	lists, err := s.store.ListShoppingLists(r.Context(), userID, 0)
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (s *Server) handleCreateShopping(w http.ResponseWriter, r *http.Request) {
	var in store.ShoppingList
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&in); err != nil {
		s.apiError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.store.CreateShoppingList(r.Context(), in)
	switch {
	case errors.Is(err, store.ErrInvalidList):
		s.apiError(w, http.StatusBadRequest, err)
	case err != nil:
		s.apiError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, created)
	}
}

// userID reads the required user_id query parameter, answering 400 when it is absent or malformed.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id must be an integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("failed to render template", "template", name, "error", err)
	}
}

func (s *Server) pageError(w http.ResponseWriter, op string, err error) {
	s.log.Error("failed to load user dashboard", "op", op, "error", err)
	http.Error(w, "Error: "+err.Error(), http.StatusInternalServerError)
}

func (s *Server) apiError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
