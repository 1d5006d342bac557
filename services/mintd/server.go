package mintd

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"halloffame/native/mint"
	"halloffame/native/sale"
	"halloffame/observability"
)

// Server exposes the reference Token Service over HTTP.
type Server struct {
	registry *mint.Registry
	caller   string
	token    string
	logger   *slog.Logger
	metrics  *observability.MintdMetrics
	router   http.Handler
}

// NewServer mints on registry as caller. When token is non-empty every mint
// request must present it as a bearer token.
func NewServer(registry *mint.Registry, caller, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		caller:   strings.TrimSpace(caller),
		token:    strings.TrimSpace(token),
		logger:   logger,
		metrics:  observability.Mintd(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.requireToken).Post("/mints", s.instrument("mints", s.handleMint))
		v1.Get("/tokens/{id}", s.instrument("token", s.handleToken))
		v1.Get("/supply", s.instrument("supply", s.handleSupply))
	})
	return otelhttp.NewHandler(r, "mintd")
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		observability.API().Observe("mintd", route, ww.Status(), time.Since(start))
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if presented == header || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication required", mint.CodeUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var body mint.MintRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", mint.CodeInvalid)
		return
	}
	tokens, err := s.registry.MintFor(s.caller, body.SettlementID, body.ReceiverID, body.Amount)
	if err != nil {
		s.logger.Warn("mint rejected",
			"settlement_id", body.SettlementID,
			"receiver", body.ReceiverID,
			"amount", body.Amount,
			"error", err)
		s.metrics.RecordMint("failed", 0, s.registry.Remaining())
		switch {
		case errors.Is(err, mint.ErrSoldOut):
			writeError(w, http.StatusConflict, err.Error(), mint.CodeSoldOut)
		case errors.Is(err, mint.ErrNotAuthorized):
			writeError(w, http.StatusForbidden, err.Error(), mint.CodeUnauthorized)
		case errors.Is(err, mint.ErrZeroAmount), errors.Is(err, mint.ErrReceiverRequired):
			writeError(w, http.StatusBadRequest, err.Error(), mint.CodeInvalid)
		default:
			writeError(w, http.StatusInternalServerError, "mint failed", mint.CodeInternal)
		}
		return
	}
	outcome := "fulfilled"
	if len(tokens) < int(body.Amount) {
		outcome = "partial"
	}
	s.metrics.RecordMint(outcome, len(tokens), s.registry.Remaining())
	s.logger.Info("mint fulfilled",
		"settlement_id", body.SettlementID,
		"receiver", body.ReceiverID,
		"requested", body.Amount,
		"issued", len(tokens))
	if tokens == nil {
		tokens = []sale.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Token(chi.URLParam(r, "id"))
	if errors.Is(err, mint.ErrTokenNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load token failed", mint.CodeInternal)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type supplyView struct {
	MaxSupply uint64 `json:"max_supply"`
	Issued    uint64 `json:"issued"`
	Remaining uint64 `json:"remaining"`
}

func (s *Server) handleSupply(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, supplyView{
		MaxSupply: s.registry.MaxSupply(),
		Issued:    s.registry.Issued(),
		Remaining: s.registry.Remaining(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, mint.ErrorBody{Error: msg, Code: code})
}
