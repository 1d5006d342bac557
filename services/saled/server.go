package saled

import (
	"context"
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

	"halloffame/core/events"
	"halloffame/integrations/exports"
	"halloffame/native/sale"
	"halloffame/observability"
	"halloffame/storage/receipts"
)

// BalanceSheet reports account balances as decimal strings.
type BalanceSheet interface {
	Balances() map[string]string
}

// Deps captures the collaborators required to construct the server.
type Deps struct {
	Engine      *sale.Engine
	Receipts    *receipts.Store
	Broadcaster *events.Broadcaster
	Bank        BalanceSheet
	Auth        *Authenticator
	Limiter     *RateLimiter
	Logger      *slog.Logger
	WaitTimeout time.Duration
	Now         func() time.Time

	// RequireGas rejects purchases that omit prepaid_gas instead of
	// defaulting it to the required budget.
	RequireGas bool
}

// Server exposes the sale over HTTP.
type Server struct {
	engine      *sale.Engine
	ledger      *sale.Ledger
	receipts    *receipts.Store
	broadcaster *events.Broadcaster
	bank        BalanceSheet
	auth        *Authenticator
	limiter     *RateLimiter
	logger      *slog.Logger
	waitTimeout time.Duration
	now         func() time.Time
	requireGas  bool
	tickets     *ticketStore

	router http.Handler
}

// NewServer constructs the HTTP API.
func NewServer(deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("saled: engine required")
	}
	if deps.Auth == nil {
		return nil, errors.New("saled: authenticator required")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = events.NewBroadcaster()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(RateLimitConfig{})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		engine:      deps.Engine,
		ledger:      deps.Engine.Ledger(),
		receipts:    deps.Receipts,
		broadcaster: deps.Broadcaster,
		bank:        deps.Bank,
		auth:        deps.Auth,
		limiter:     deps.Limiter,
		logger:      deps.Logger,
		waitTimeout: deps.WaitTimeout,
		now:         deps.Now,
		requireGas:  deps.RequireGas,
		tickets:     newTicketStore(defaultTicketCapacity),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/config", s.handleConfig)
		v1.Get("/status/{buyer}", s.handleStatus)
		v1.Get("/events", s.handleEvents)

		v1.Group(func(authed chi.Router) {
			authed.Use(s.auth.Middleware)
			authed.With(s.limiter.Middleware).Post("/purchase", s.handlePurchase)
			authed.Get("/purchases/{id}", s.handlePurchaseStatus)

			authed.Route("/admin", func(admin chi.Router) {
				admin.Use(s.requireOperator)
				admin.Post("/config", s.handleUpdateConfig)
				admin.Post("/pause", s.handlePause)
				admin.Post("/resume", s.handleResume)
				admin.Get("/status", s.handleAdminStatus)
				admin.Get("/receipts", s.handleReceipts)
				admin.Get("/receipts/export", s.handleReceiptsExport)
			})
		})
	})
	return otelhttp.NewHandler(r, "saled")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.API().Observe("saled", route, ww.Status(), time.Since(start))
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := IdentityFrom(r.Context())
		if !s.ledger.IsOwnerOrOperator(caller) {
			s.writeEngineError(w, sale.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nowSeconds() uint64 {
	now := s.now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.engine.Status()
	code := http.StatusOK
	if status.Halted {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.View(s.nowSeconds()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.Status(chi.URLParam(r, "buyer"), s.nowSeconds())
	if err != nil {
		s.logger.Error("load buyer status", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	buyer, _ := IdentityFrom(r.Context())
	var body purchaseRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "input_fault")
		return
	}
	attached, err := sale.ParseAmount(body.Attached)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "input_fault")
		return
	}
	var (
		gas uint64
		ok  = true
	)
	switch {
	case body.PrepaidGas != nil:
		gas = *body.PrepaidGas
	case s.requireGas:
		writeError(w, http.StatusBadRequest, "prepaid_gas required", "input_fault")
		return
	default:
		gas, ok = s.engine.Params().RequiredGas(body.Amount)
		s.logger.Debug("prepaid gas defaulted", "buyer", buyer, "amount", body.Amount, "gas", gas)
	}
	if !ok {
		s.writeEngineError(w, sale.ErrNotEnoughGas)
		return
	}
	ticket, err := s.engine.BeginPurchase(r.Context(), sale.PurchaseRequest{
		Buyer:           buyer,
		Amount:          body.Amount,
		PermittedAmount: body.PermittedAmount,
		Signature:       body.Signature,
		Attached:        attached,
		PrepaidGas:      gas,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.tickets.put(ticket)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
		defer cancel()
		settlement, err := ticket.Wait(ctx)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, newSettlementView(settlement))
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		default:
			s.writeEngineError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, ticketView{
		Ticket:    ticket.ID,
		Buyer:     ticket.Buyer,
		Requested: ticket.Requested,
		Status:    statusPending,
	})
}

func (s *Server) handlePurchaseStatus(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	operator := s.ledger.IsOwnerOrOperator(caller)

	if ticket, ok := s.tickets.get(id); ok {
		if ticket.Buyer != caller && !operator {
			writeError(w, http.StatusNotFound, "purchase not found", "")
			return
		}
		settlement, done, err := ticket.Result()
		switch {
		case !done:
			if pending, ok := s.engine.Pending(id); ok {
				writeJSON(w, http.StatusOK, newPendingView(pending))
				return
			}
			writeJSON(w, http.StatusOK, ticketView{Ticket: id, Buyer: ticket.Buyer, Requested: ticket.Requested, Status: statusPending})
		case err != nil:
			writeJSON(w, http.StatusOK, faultView{ID: id, Status: statusFault, Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, newSettlementView(settlement))
		}
		return
	}
	if s.receipts != nil {
		receipt, err := s.receipts.Get(r.Context(), id)
		if err == nil && (receipt.Buyer == caller || operator) {
			writeJSON(w, http.StatusOK, receipt)
			return
		}
		if err != nil && !errors.Is(err, receipts.ErrNotFound) {
			s.logger.Error("load receipt", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "receipt unavailable", "")
			return
		}
	}
	writeError(w, http.StatusNotFound, "purchase not found", "")
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	var body configUpdateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "input_fault")
		return
	}
	upd, err := body.toUpdate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "input_fault")
		return
	}
	if upd.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update", "input_fault")
		return
	}
	if _, err := s.ledger.UpdateConfig(caller, upd); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info("sale config updated", "caller", caller)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	s.engine.Pause()
	s.logger.Warn("sale engine paused", "caller", caller)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	s.engine.Resume()
	s.logger.Warn("sale engine resumed", "caller", caller)
	w.WriteHeader(http.StatusNoContent)
}

type adminStatus struct {
	Engine   sale.EngineStatus `json:"engine"`
	Params   string            `json:"params"`
	Tickets  int               `json:"tickets"`
	Balances map[string]string `json:"balances,omitempty"`
	Receipts *receipts.Summary `json:"receipts,omitempty"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	status := adminStatus{
		Engine:  s.engine.Status(),
		Params:  s.engine.Params().String(),
		Tickets: s.tickets.size(),
	}
	if s.bank != nil {
		status.Balances = s.bank.Balances()
	}
	if s.receipts != nil {
		summary, err := s.receipts.Summarize(r.Context(), receipts.Filter{})
		if err != nil {
			s.logger.Error("summarize receipts", "error", err)
		} else {
			status.Receipts = &summary
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) receiptFilter(r *http.Request) (receipts.Filter, error) {
	q := r.URL.Query()
	f := receipts.Filter{Buyer: strings.TrimSpace(q.Get("buyer"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = limit
	}
	for key, target := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if raw := q.Get(key); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, errors.New("invalid " + key)
			}
			*target = ts
		}
	}
	return f, nil
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeError(w, http.StatusServiceUnavailable, "receipt journal not configured", "")
		return
	}
	filter, err := s.receiptFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "input_fault")
		return
	}
	rows, err := s.receipts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "receipts unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleReceiptsExport(w http.ResponseWriter, r *http.Request) {
	if s.receipts == nil {
		writeError(w, http.StatusServiceUnavailable, "receipt journal not configured", "")
		return
	}
	filter, err := s.receiptFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "input_fault")
		return
	}
	rows, err := s.receipts.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list receipts", "error", err)
		writeError(w, http.StatusInternalServerError, "receipts unavailable", "")
		return
	}
	var (
		data        []byte
		checksum    string
		contentType string
	)
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "csv":
		data, checksum, err = exports.ReceiptsCSV(rows)
		contentType = "text/csv"
	case "jsonl":
		data, checksum, err = exports.ReceiptsJSONL(rows)
		contentType = "application/x-ndjson"
	default:
		writeError(w, http.StatusBadRequest, "unsupported format", "input_fault")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed", "")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error(), sale.RejectReason(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}
