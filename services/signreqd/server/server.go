package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"orgsign/services/signreqd/breaker"
	"orgsign/services/signreqd/cleanup"
	"orgsign/services/signreqd/ledger"
	"orgsign/services/signreqd/models"
	"orgsign/services/signreqd/refresh"
	"orgsign/services/signreqd/requirements"
	"orgsign/services/signreqd/resolver"
)

// Resolver computes signing requirements from extracted references.
type Resolver interface {
	Registry() *requirements.Registry
	Resolve(ctx context.Context, network string, refs requirements.References) ledger.KeyList
	ResolveFresh(ctx context.Context, network string, refs requirements.References, maxAge time.Duration) (ledger.KeyList, error)
}

// Linker records which cache rows a transaction depends on.
type Linker interface {
	LinkTransaction(ctx context.Context, transactionID uint64, network string, accounts []ledger.AccountID, nodes []int64) error
}

// Refresher runs one refresh cycle on demand.
type Refresher interface {
	Tick(ctx context.Context) (*refresh.Result, error)
}

// Sweeper runs one cleanup sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (cleanup.Result, error)
}

// BreakerReporter exposes circuit state.
type BreakerReporter interface {
	Snapshot() []breaker.Status
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB       *gorm.DB
	Resolver Resolver
	Linker   Linker
	Refresh  Refresher
	Cleanup  Sweeper
	Breakers BreakerReporter
	Events   http.Handler
	Auth     *Authenticator
	Logger   *slog.Logger
}

// Server exposes the admin API.
type Server struct {
	db       *gorm.DB
	resolver Resolver
	linker   Linker
	refresh  Refresher
	cleanup  Sweeper
	breakers BreakerReporter
	events   http.Handler
	auth     *Authenticator
	logger   *slog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:       cfg.DB,
		resolver: cfg.Resolver,
		linker:   cfg.Linker,
		refresh:  cfg.Refresh,
		cleanup:  cfg.Cleanup,
		breakers: cfg.Breakers,
		events:   cfg.Events,
		auth:     cfg.Auth,
		logger:   logger.With("component", "server"),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Get("/breakers", s.Breakers)
		api.Post("/transactions/{id}/requirements", s.Requirements)
		api.Post("/transactions/{id}/links", s.Links)
		api.Post("/refresh", s.TriggerRefresh)
		api.Post("/cleanup", s.TriggerCleanup)
		if s.events != nil {
			api.Get("/events", s.events.ServeHTTP)
		}
	})

	return otelhttp.NewHandler(r, "signreqd.admin")
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", chimw.GetReqID(r.Context()),
			"elapsed", time.Since(start).String())
	})
}

// Healthz reports liveness, including database reachability.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Breakers lists circuit state per network.
func (s *Server) Breakers(w http.ResponseWriter, r *http.Request) {
	statuses := []breaker.Status{}
	if s.breakers != nil {
		statuses = s.breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": statuses})
}

type requirementResponse struct {
	TransactionID uint64     `json:"transactionId"`
	Network       string     `json:"network"`
	Kind          string     `json:"kind"`
	Requirement   ledger.Key `json:"requirement"`
	KeyCount      int        `json:"keyCount"`
	Satisfied     *bool      `json:"satisfied,omitempty"`
}

// Requirements resolves the composite key a stored transaction needs. A
// max_age query parameter selects the fail-closed resolution. A signers
// parameter, a comma separated list of hex public keys, adds whether those
// keys satisfy the requirement.
func (s *Server) Requirements(w http.ResponseWriter, r *http.Request) {
	tx, body, ok := s.loadTransaction(w, r)
	if !ok {
		return
	}
	signers, err := parseSigners(r.URL.Query().Get("signers"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refs, err := s.resolver.Registry().Extract(body)
	if err != nil {
		s.writeExtractError(w, err)
		return
	}

	var list ledger.KeyList
	if raw := strings.TrimSpace(r.URL.Query().Get("max_age")); raw != "" {
		maxAge, err := time.ParseDuration(raw)
		if err != nil || maxAge <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max_age")
			return
		}
		list, err = s.resolver.ResolveFresh(r.Context(), tx.Network, refs, maxAge)
		if err != nil {
			if errors.Is(err, resolver.ErrMissingEntry) || errors.Is(err, resolver.ErrStaleEntry) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "resolution failed")
			return
		}
	} else {
		list = s.resolver.Resolve(r.Context(), tx.Network, refs)
	}

	resp := requirementResponse{
		TransactionID: tx.ID,
		Network:       tx.Network,
		Kind:          string(body.Kind),
		Requirement:   list.Key(),
		KeyCount:      list.Len(),
	}
	if signers != nil {
		satisfied := list.SatisfiedBy(signers)
		resp.Satisfied = &satisfied
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseSigners(raw string) ([][]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([][]byte, 0, len(parts))
	for _, part := range parts {
		key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(part), "0x"))
		if err != nil || len(key) == 0 {
			return nil, errors.New("invalid signers")
		}
		out = append(out, key)
	}
	return out, nil
}

// Links creates cache rows and links for every entity a transaction references.
// Only transactions still collecting signatures or awaiting execution are linked.
func (s *Server) Links(w http.ResponseWriter, r *http.Request) {
	tx, body, ok := s.loadTransaction(w, r)
	if !ok {
		return
	}
	if !tx.Status.IsActive() {
		writeError(w, http.StatusConflict, "transaction is not active")
		return
	}
	refs, err := s.resolver.Registry().Extract(body)
	if err != nil {
		s.writeExtractError(w, err)
		return
	}
	var nodes []int64
	if refs.NodeID != nil {
		nodes = append(nodes, *refs.NodeID)
	}
	accounts := refs.Accounts()
	if err := s.linker.LinkTransaction(r.Context(), tx.ID, tx.Network, accounts, nodes); err != nil {
		s.logger.Error("link transaction failed", "transaction_id", tx.ID, "network", tx.Network, "error", err)
		writeError(w, http.StatusInternalServerError, "link failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId": tx.ID,
		"accounts":      len(accounts),
		"nodes":         len(nodes),
	})
}

// TriggerRefresh runs one refresh cycle synchronously.
func (s *Server) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.refresh.Tick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	if result.Skipped {
		writeError(w, http.StatusConflict, "refresh cycle already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attempted":           result.Attempted,
		"refreshed":           result.Refreshed,
		"failed":              result.Failed,
		"skippedByBreaker":    result.SkippedByBreaker,
		"changedTransactions": result.ChangedTransactions,
		"elapsed":             result.Elapsed.String(),
	})
}

// TriggerCleanup runs one cleanup sweep synchronously.
func (s *Server) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.cleanup.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountsRemoved": result.Accounts,
		"nodesRemoved":    result.Nodes,
		"elapsed":         result.Elapsed.String(),
	})
}

func (s *Server) loadTransaction(w http.ResponseWriter, r *http.Request) (*models.Transaction, *requirements.Transaction, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return nil, nil, false
	}
	var tx models.Transaction
	if err := s.db.WithContext(r.Context()).First(&tx, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return nil, nil, false
		}
		writeError(w, http.StatusInternalServerError, "load transaction failed")
		return nil, nil, false
	}
	body, err := requirements.Decode(tx.Body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return nil, nil, false
	}
	return &tx, body, true
}

func (s *Server) writeExtractError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, requirements.ErrUnsupportedTransactionKind), errors.Is(err, requirements.ErrInvalidTransaction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "extract references failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
