package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"lienvault/gateway/middleware"
	"lienvault/native/bank"
	"lienvault/native/lien"
	"lienvault/native/market"
	"lienvault/observability"
)

// requestLimit caps request bodies.
const requestLimit = 1 << 20

// StateCommitter is the slice of the state store the gateway drives: flush
// a successful operation's writes atomically, or discard a failed one's.
type StateCommitter interface {
	Commit() error
	Rollback()
}

// Server wires the settlement engines to the HTTP surface.
type Server struct {
	Liens   *lien.Engine
	Market  *market.Engine
	Bank    *bank.Bank
	State   StateCommitter
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// writeMu serializes mutating operations so each one's state writes
	// commit as a unit.
	writeMu sync.Mutex
}

// mutate runs one mutating operation inside the commit discipline: on error
// every pending state write is rolled back, on success they flush atomically
// before the response is written.
func (s *Server) mutate(operation string, fn func() (interface{}, error)) (interface{}, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := fn()
	if err != nil {
		s.State.Rollback()
		return nil, err
	}
	if err := s.State.Commit(); err != nil {
		s.State.Rollback()
		return nil, err
	}
	s.Metrics.RecordSettlement(operation)
	return result, nil
}

// Config carries the router's middleware knobs.
type Config struct {
	RateLimiter *middleware.RateLimiter
	CORS        middleware.CORSConfig
	// OperatorToken gates the crediting endpoint. Empty rejects all credit
	// requests.
	OperatorToken string
}

// New assembles the gateway router.
func New(s *Server, cfg Config) http.Handler {
	obs := middleware.NewObservability(s.Metrics, s.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	mount := func(method, pattern, module, operation string, h http.HandlerFunc) {
		r.With(obs.Middleware(module, operation)).Method(method, pattern, h)
	}

	mount(http.MethodPost, "/liens/pay", "lien", "pay", s.handlePay)
	mount(http.MethodPost, "/liens/cure", "lien", "cure", s.handleCure)
	mount(http.MethodPost, "/liens/repay", "lien", "repay", s.handleRepay)
	mount(http.MethodPost, "/liens/claim", "lien", "claim", s.handleClaim)
	mount(http.MethodGet, "/liens/{id}", "lien", "get", s.handleGetLien)
	mount(http.MethodGet, "/liens/{id}/debt", "lien", "debt", s.handleGetDebt)

	mount(http.MethodPost, "/offers/loan/take", "market", "take_loan_offer", s.handleTakeLoanOffer)
	mount(http.MethodPost, "/offers/borrow/take", "market", "take_borrow_offer", s.handleTakeBorrowOffer)
	mount(http.MethodPost, "/offers/cancel", "market", "cancel_offer", s.handleCancelOffer)
	mount(http.MethodPost, "/nonce/bump", "market", "bump_nonce", s.handleBumpNonce)
	mount(http.MethodPost, "/refinance", "market", "refinance", s.handleRefinance)
	mount(http.MethodPost, "/market/order", "market", "market_order", s.handleMarketOrder)
	mount(http.MethodPost, "/market/buy-with-loan", "market", "buy_with_loan", s.handleBuyWithLoan)
	mount(http.MethodPost, "/market/sell-into-bid", "market", "sell_into_bid", s.handleSellIntoBid)
	mount(http.MethodPost, "/market/buy-in-lien", "market", "buy_in_lien", s.handleBuyInLien)
	mount(http.MethodPost, "/market/sell-in-lien", "market", "sell_in_lien", s.handleSellInLien)

	// Crediting mints balances, so it is operator-only.
	r.With(middleware.BearerAuth(cfg.OperatorToken), obs.Middleware("bank", "credit")).
		Method(http.MethodPost, "/bank/credit", http.HandlerFunc(s.handleCredit))
	mount(http.MethodGet, "/bank/balance", "bank", "balance", s.handleBalance)

	return r
}

func decodeBody(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
