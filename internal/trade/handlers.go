package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/tradeflow/portfolio-engine/internal/auth"
	"github.com/tradeflow/portfolio-engine/internal/ledger"
	"github.com/tradeflow/portfolio-engine/internal/model"
)

// TradeRequest is the JSON body for POST /api/v1/portfolio/trade. The
// account is taken from the authenticated identity, never the body.
type TradeRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // "Buy" or "Sell", case-insensitive
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// TradeResponse is the JSON body returned from a successful settlement.
type TradeResponse struct {
	Trade       model.Trade     `json:"trade"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Position    *model.Position `json:"position"` // nil once fully sold
	Version     int64           `json:"version"`
}

// ExecuteTrade handles POST /api/v1/portfolio/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "missing account identity", "unauthorized", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return
	}

	res, err := s.Settle(r.Context(), ledger.Request{
		AccountID: accountID,
		Symbol:    req.Symbol,
		Side:      model.ParseSide(req.Side),
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := TradeResponse{
		Trade:       res.Trade,
		CashBalance: res.Ledger.CashBalance,
		Version:     res.Ledger.Version,
	}
	if p, ok := res.Ledger.Positions[res.Trade.Symbol]; ok {
		resp.Position = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "missing account identity", "unauthorized", http.StatusUnauthorized)
		return
	}

	p, err := s.Portfolio(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTrades handles GET /api/v1/portfolio/trades?page=&page_size=
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "missing account identity", "unauthorized", http.StatusUnauthorized)
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, "page must be an integer", "invalid_request", http.StatusBadRequest)
		return
	}
	pageSize, err := intParam(r, "page_size", DefaultPageSize)
	if err != nil {
		writeError(w, "page_size must be an integer", "invalid_request", http.StatusBadRequest)
		return
	}

	tp, err := s.Trades(r.Context(), accountID, page, pageSize)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

// errorStatus maps a service error to its HTTP status, error code and the
// message shown to the client. Only rejections echo the error text; store
// and infrastructure failures get a fixed message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds", err.Error()
	case errors.Is(err, ledger.ErrNoPosition):
		return http.StatusUnprocessableEntity, "no_position", err.Error()
	case errors.Is(err, ledger.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity, "insufficient_quantity", err.Error()
	case errors.Is(err, ErrPortfolioNotFound):
		return http.StatusNotFound, "not_found", "portfolio not found"
	case errors.Is(err, ErrCancelled):
		return http.StatusServiceUnavailable, "request_cancelled", "request cancelled before settlement, retry"
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable, "settlement_unavailable", "settlement could not be completed, retry"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

// writeServiceError logs server-side failures in full and writes the
// client-safe form of err.
func (s *Service) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"err", err,
		)
	}
	writeError(w, msg, code, status)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
