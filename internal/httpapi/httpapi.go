// Package httpapi wires the dispatcher and dashboard registry to the
// HTTP control surface and the two WebSocket upgrade routes (§6).
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/sshxd/sshxd/internal/dashboard"
	"github.com/sshxd/sshxd/internal/dispatcher"
	"github.com/sshxd/sshxd/internal/transport"
)

// openRateLimit and openRateBurst bound how often a single Origin may
// call POST /api/open, a resource-protection concern against abusive
// session creation (cf. the tunnel relay's per-IP rateLimiter).
const (
	openRateLimit = rate.Limit(1) // steady-state: one Open per second per origin
	openRateBurst = 5
)

// originLimiter hands out one rate.Limiter per distinct Origin header,
// generalizing the teacher's per-IP sliding-window rateLimiter
// (internal/tunnel/relay.go) to a token-bucket per key using
// golang.org/x/time/rate instead of a hand-rolled timestamp slice.
type originLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newOriginLimiter() *originLimiter {
	return &originLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (o *originLimiter) allow(origin string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	lim, ok := o.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(openRateLimit, openRateBurst)
		o.limiters[origin] = lim
	}
	return lim.Allow()
}

// Server holds the dependencies the HTTP handlers close over.
type Server struct {
	dispatch     *dispatcher.Dispatcher
	dashboards   *dashboard.Registry
	dashboardKey string
	log          *slog.Logger
	openLimiter  *originLimiter
}

// New constructs a Server. dashboardKey, if non-empty, gates
// GET /api/sessions (§6 Environment).
func New(d *dispatcher.Dispatcher, dashboards *dashboard.Registry, dashboardKey string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{dispatch: d, dashboards: dashboards, dashboardKey: dashboardKey, log: log, openLimiter: newOriginLimiter()}
}

// Mux builds the Go 1.22 method-pattern ServeMux routing every
// endpoint from §6, matching the teacher's buildMux shape.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/open", s.handleOpen)
	mux.HandleFunc("POST /api/close", s.handleClose)
	mux.HandleFunc("POST /api/dashboards/register", s.handleDashboardRegister)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)

	mux.HandleFunc("GET /api/cli/{name}", s.handleHostAttach)
	mux.HandleFunc("GET /api/s/{name}", s.handleViewerAttach)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return mux
}

// --- POST /api/open ---

type openRequest struct {
	Origin            string `json:"origin"`
	EncryptedZeros    []int  `json:"encrypted_zeros"`
	Name              string `json:"name,omitempty"`
	WritePasswordHash []int  `json:"write_password_hash,omitempty"`
}

type openResponse struct {
	Name  string `json:"name"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	var zeros [16]byte
	if len(req.EncryptedZeros) != 16 {
		writeError(w, http.StatusBadRequest, "encrypted_zeros must be 16 bytes")
		return
	}
	for i, b := range req.EncryptedZeros {
		if b < 0 || b > 255 {
			writeError(w, http.StatusBadRequest, "encrypted_zeros must be byte values")
			return
		}
		zeros[i] = byte(b)
	}

	if !s.openLimiter.allow(req.Origin) {
		writeError(w, http.StatusTooManyRequests, "too many session-open requests from this origin")
		return
	}

	writePasswordHash := intsToBytes(req.WritePasswordHash)

	opened, err := s.dispatch.Open(r.Context(), zeros, req.Name, writePasswordHash)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "session already exists")
		case errors.Is(err, dispatcher.ErrUnavailable):
			s.log.Error("opening session: storage unavailable", "err", err)
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			s.log.Error("opening session", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, openResponse{Name: opened.Name, Token: opened.Token, URL: opened.URL})
}

// --- POST /api/close ---

type closeRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err := s.dispatch.Close(r.Context(), req.Name, req.Token)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, dispatcher.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "not found"})
	case errors.Is(err, dispatcher.ErrBadToken):
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "bad token"})
	default:
		s.log.Error("closing session", "err", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": "internal error"})
	}
}

// --- POST /api/dashboards/register ---

type dashboardRegisterRequest struct {
	SessionName string `json:"sessionName"`
	URL         string `json:"url"`
	WriteURL    string `json:"writeUrl,omitempty"`
	DisplayName string `json:"displayName"`
}

func (s *Server) handleDashboardRegister(w http.ResponseWriter, r *http.Request) {
	var req dashboardRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SessionName == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "sessionName and url are required")
		return
	}

	info, err := s.dashboards.Register(r.Context(), req.SessionName, req.URL, req.WriteURL, req.DisplayName)
	if err != nil {
		s.log.Error("registering dashboard", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"dashboardKey": info.Key,
		"dashboardUrl": info.URL,
	})
}

// --- GET /api/sessions ---

type sessionSummary struct {
	Name             string          `json:"name"`
	UserCount        int             `json:"userCount"`
	ShellCount       int             `json:"shellCount"`
	LastAccessed     time.Time       `json:"lastAccessed"`
	Users            []string        `json:"users"`
	HasWritePassword bool            `json:"hasWritePassword"`
	Degraded         bool            `json:"degraded"`
	Dashboard        *dashboard.Info `json:"dashboard,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.dashboardKey != "" {
		given := r.URL.Query().Get("dashboardKey")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.dashboardKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	summaries := make([]sessionSummary, 0, len(s.dispatch.Sessions()))
	for _, name := range s.dispatch.Sessions() {
		info := s.dispatch.SessionInfo(name)
		if info == nil {
			continue
		}
		sum := sessionSummary{
			Name:             name,
			UserCount:        info.UserCount,
			ShellCount:       info.ShellCount,
			LastAccessed:     info.LastAccessed,
			Users:            info.Users,
			HasWritePassword: info.HasWritePassword,
			Degraded:         info.Degraded,
		}
		if d, ok, err := s.dashboards.Get(r.Context(), name); err == nil && ok {
			sum.Dashboard = &d
		}
		summaries = append(summaries, sum)
	}

	search := strings.ToLower(r.URL.Query().Get("search"))
	if search != "" {
		filtered := summaries[:0]
		for _, sum := range summaries {
			if strings.Contains(strings.ToLower(sum.Name), search) {
				filtered = append(filtered, sum)
			}
		}
		summaries = filtered
	}

	sortBy := r.URL.Query().Get("sort")
	order := r.URL.Query().Get("order")
	sort.Slice(summaries, func(i, j int) bool {
		less := summaryLess(summaries[i], summaries[j], sortBy)
		if order == "desc" {
			return !less
		}
		return less
	})

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start > len(summaries) {
		start = len(summaries)
	}
	end := start + pageSize
	if end > len(summaries) {
		end = len(summaries)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": summaries[start:end],
		"total":    len(summaries),
		"page":     page,
		"pageSize": pageSize,
	})
}

func summaryLess(a, b sessionSummary, sortBy string) bool {
	switch sortBy {
	case "userCount":
		return a.UserCount < b.UserCount
	case "shellCount":
		return a.ShellCount < b.ShellCount
	case "name":
		return a.Name < b.Name
	default:
		return a.LastAccessed.Before(b.LastAccessed)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- WebSocket upgrade routes ---

func (s *Server) handleHostAttach(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, err := transport.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNormal()

	if err := s.dispatch.AttachHost(r.Context(), name, conn); err != nil {
		s.log.Info("host channel ended", "session", name, "err", err)
	}
}

func (s *Server) handleViewerAttach(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, err := transport.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNormal()

	if err := s.dispatch.AttachViewer(r.Context(), name, conn); err != nil {
		s.log.Info("browser channel ended", "session", name, "err", err)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, text string) {
	writeJSON(w, status, map[string]string{"error": text})
}

func intsToBytes(ints []int) []byte {
	if len(ints) == 0 {
		return nil
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	return out
}
