// Package server exposes the loan coordinator over HTTP. Handlers are thin:
// they parse and validate the wire shapes, delegate to the coordinator, and
// translate domain errors into the JSON error envelope. All business rules
// live below this layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftlend/coordinator"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// LoanService is the slice of the coordinator the HTTP layer drives.
type LoanService interface {
	CollateralOptions(ctx context.Context, owner common.Address) ([]coordinator.CollateralOption, error)
	Loan(ctx context.Context, loanID *big.Int) (coordinator.Loan, error)
	Loans(ctx context.Context, borrower common.Address) ([]coordinator.Loan, error)
	Borrow(ctx context.Context, collection common.Address, tokenID *big.Int, actor common.Address) (coordinator.BorrowResult, error)
	Repay(ctx context.Context, loanID *big.Int, actor common.Address, supplied *big.Int) (coordinator.SettleResult, error)
	PayInterest(ctx context.Context, loanID *big.Int, actor common.Address, supplied *big.Int) (coordinator.SettleResult, error)
	CheckDefault(ctx context.Context, loanID *big.Int, actor common.Address) (coordinator.DefaultCheckResult, error)
	Withdraw(ctx context.Context, actor common.Address) (coordinator.WithdrawResult, error)
}

// Config carries the HTTP surface settings.
type Config struct {
	CORS CORSConfig
	Rate RateLimitConfig
	// RequestTimeout bounds one HTTP request end to end, including the
	// finality wait of mutating operations.
	RequestTimeout time.Duration
}

// Server mounts the lending routes on a chi router.
type Server struct {
	service LoanService
	cfg     Config
	logger  *slog.Logger
	metrics *requestMetrics
}

func New(service LoanService, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 150 * time.Second
	}
	return &Server{
		service: service,
		cfg:     cfg,
		logger:  logger,
		metrics: httpMetrics(),
	}
}

// Handler builds the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	limiter := newRateLimiter(s.cfg.Rate)

	r := chi.NewRouter()
	r.Use(corsMiddleware(s.cfg.CORS))
	r.Use(limiter.middleware)

	r.Route("/lending", func(r chi.Router) {
		r.With(s.metrics.middleware("lending_nfts")).Get("/nfts/{address}", s.handleCollateralOptions)
		r.With(s.metrics.middleware("lending_loan")).Get("/loan/{loanId}", s.handleLoan)
		r.With(s.metrics.middleware("lending_loans")).Get("/loans/{address}", s.handleLoans)
		r.With(s.metrics.middleware("lending_borrow")).Post("/borrow", s.handleBorrow)
		r.With(s.metrics.middleware("lending_repay")).Post("/repay", s.handleRepay)
		r.With(s.metrics.middleware("lending_pay_interest")).Post("/pay-interest", s.handlePayInterest)
		r.With(s.metrics.middleware("lending_check_default")).Post("/check-default", s.handleCheckDefault)
		r.With(s.metrics.middleware("lending_withdraw")).Post("/withdraw", s.handleWithdraw)
	})
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "nftlend.http")
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.RequestTimeout)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCollateralOptions(w http.ResponseWriter, r *http.Request) {
	owner, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()

	options, err := s.service.CollateralOptions(ctx, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if options == nil {
		options = []coordinator.CollateralOption{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": options})
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseBig(chi.URLParam(r, "loanId"), "loanId")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()

	loan, err := s.service.Loan(ctx, loanID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loan": loan})
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	borrower, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()

	loans, err := s.service.Loans(ctx, borrower)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if loans == nil {
		loans = []coordinator.Loan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

type borrowRequest struct {
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Actor      string `json:"actor"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	collection, err := parseAddress(req.Collection, "collection")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	actor, err := parseAddress(req.Actor, "actor")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	tokenID, err := parseBig(req.TokenID, "tokenId")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()

	result, err := s.service.Borrow(ctx, collection, tokenID, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type settleRequest struct {
	LoanID string `json:"loanId"`
	Actor  string `json:"actor"`
	Value  string `json:"value"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.service.Repay)
}

func (s *Server) handlePayInterest(w http.ResponseWriter, r *http.Request) {
	s.handleSettle(w, r, s.service.PayInterest)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, settle func(context.Context, *big.Int, common.Address, *big.Int) (coordinator.SettleResult, error)) {
	var req settleRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	loanID, err := parseBig(req.LoanID, "loanId")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	actor, err := parseAddress(req.Actor, "actor")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	value, err := parseBig(req.Value, "value")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()

	result, err := settle(ctx, loanID, actor, value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type defaultCheckRequest struct {
	LoanID string `json:"loanId"`
	Actor  string `json:"actor"`
}

func (s *Server) handleCheckDefault(w http.ResponseWriter, r *http.Request) {
	var req defaultCheckRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	loanID, err := parseBig(req.LoanID, "loanId")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	actor, err := parseAddress(req.Actor, "actor")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()

	result, err := s.service.CheckDefault(ctx, loanID, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type withdrawRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	actor, err := parseAddress(req.Actor, "actor")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()

	result, err := s.service.Withdraw(ctx, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeRequest(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func addressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(chi.URLParam(r, name), name)
	if err != nil {
		writeBadRequest(w, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func parseAddress(value, field string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s is not a valid address", field)
	}
	return common.HexToAddress(value), nil
}

// parseBig parses a non-negative decimal integer from the wire. Amounts and
// identifiers travel as strings so they survive JSON number precision.
func parseBig(value, field string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("%s is not a valid amount", field)
	}
	return parsed, nil
}
