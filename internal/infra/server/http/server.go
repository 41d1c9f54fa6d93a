// Package httpserver exposes a read-only HTTP view of a running cache.
package httpserver

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/eventfabric/internal/app/actor"
	"github.com/coachpo/eventfabric/internal/app/cache"
	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/domain/pairstore"
	"github.com/coachpo/eventfabric/internal/infra/config"
)

const (
	statusPath       = "/status"
	pairsPath        = "/pairs"
	pairDetailPrefix = pairsPath + "/"
	errorsPath       = "/errors"

	// maxErrorEntries bounds the /errors payload; the log itself is unbounded.
	maxErrorEntries = 100
)

// Status is the cache's observable state.
type Status struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	State           string `json:"state"`
	ConnectionState string `json:"connectionState"`
	Stale           bool   `json:"stale"`
	CatchingUp      bool   `json:"catchingUp"`
	Pairs           int    `json:"pairs"`
	Errors          int    `json:"errors"`
}

// FailureView is one recorded failure as served over HTTP.
type FailureView struct {
	Kind  string    `json:"kind"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// View is what the handler reads from.
type View interface {
	Status() Status
	Pairs() []pairstore.Snapshot
	Failures() []actor.Failure
}

type cacheView struct {
	c *cache.Cache[*fx.CurrencyPair]
}

// CacheView adapts a currency pair cache to View.
func CacheView(c *cache.Cache[*fx.CurrencyPair]) View {
	return cacheView{c: c}
}

func (v cacheView) Status() Status {
	var n int
	v.c.Read(func(s *cache.Store[*fx.CurrencyPair]) { n = s.Len() })
	return Status{
		ID:              v.c.ID(),
		Subject:         v.c.Subject(),
		State:           v.c.State().String(),
		ConnectionState: v.c.ConnectionState().Get().String(),
		Stale:           v.c.IsStale().Get(),
		CatchingUp:      v.c.CatchingUp().Get(),
		Pairs:           n,
		Errors:          len(v.c.Errors().Entries()),
	}
}

// Pairs copies the view under the cache lock.
func (v cacheView) Pairs() []pairstore.Snapshot {
	var out []pairstore.Snapshot
	v.c.Read(func(s *cache.Store[*fx.CurrencyPair]) {
		for _, key := range s.Keys() {
			if p, ok := s.Lookup(key); ok {
				out = append(out, pairstore.FromCurrencyPair(v.c.Subject(), p))
			}
		}
	})
	return out
}

func (v cacheView) Failures() []actor.Failure { return v.c.Errors().Entries() }

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	view        View
}

// NewHandler serves view under /status, /pairs, /pairs/{BASE/QUOTE} and /errors.
func NewHandler(environment config.Environment, view View) http.Handler {
	server := &httpServer{environment: environment, view: view}
	mux := http.NewServeMux()
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(pairsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listPairs,
	}))
	mux.Handle(pairDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPair,
	}))
	mux.Handle(errorsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listErrors,
	}))
	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": s.environment,
		"cache":       s.view.Status(),
	})
}

func (s *httpServer) listPairs(w http.ResponseWriter, _ *http.Request) {
	pairs := s.view.Pairs()
	if pairs == nil {
		pairs = []pairstore.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

// getPair accepts the pair id with its slash, e.g. /pairs/EUR/USD.
func (s *httpServer) getPair(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, pairDetailPrefix), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "pair id required")
		return
	}
	for _, p := range s.view.Pairs() {
		if strings.EqualFold(p.Pair, id) {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "pair not found")
}

func (s *httpServer) listErrors(w http.ResponseWriter, _ *http.Request) {
	entries := s.view.Failures()
	if len(entries) > maxErrorEntries {
		entries = entries[len(entries)-maxErrorEntries:]
	}
	out := make([]FailureView, 0, len(entries))
	for _, f := range entries {
		view := FailureView{Kind: string(f.Kind), At: f.At}
		if f.Err != nil {
			view.Error = f.Err.Error()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": out})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
