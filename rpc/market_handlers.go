package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"bazaar/crypto"
	"bazaar/native/market"
)

const (
	codeMarketInvalidParams = -32041
	codeMarketNotFound      = -32042
	codeMarketUnauthorized  = -32043
	codeMarketConflict      = -32044
	codeMarketInternal      = -32045
)

type listItemParams struct {
	Seller string `json:"seller"`
	Price  string `json:"price"`
}

type purchaseItemParams struct {
	Buyer string `json:"buyer"`
	ID    uint64 `json:"id"`
	Value string `json:"value"`
}

type itemActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type resolveDisputeParams struct {
	Caller      string `json:"caller"`
	ID          uint64 `json:"id"`
	RefundBuyer bool   `json:"refundBuyer"`
}

type itemIDParams struct {
	ID uint64 `json:"id"`
}

type balanceParams struct {
	Address string `json:"address"`
}

type listItemResult struct {
	ID uint64 `json:"id"`
}

type itemCountResult struct {
	Count uint64 `json:"count"`
}

type itemJSON struct {
	ID        uint64  `json:"id"`
	Seller    string  `json:"seller"`
	Buyer     *string `json:"buyer,omitempty"`
	Price     string  `json:"price"`
	Sold      bool    `json:"sold"`
	Delivered bool    `json:"delivered"`
	Disputed  bool    `json:"disputed"`
	ListedAt  int64   `json:"listedAt"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatItem(item *market.Item) *itemJSON {
	out := &itemJSON{
		ID:        item.ID,
		Seller:    crypto.NewAddress(item.Seller).String(),
		Price:     item.Price.String(),
		Sold:      item.Sold,
		Delivered: item.Delivered,
		Disputed:  item.Disputed,
		ListedAt:  item.ListedAt,
	}
	if item.Buyer != ([20]byte{}) {
		buyer := crypto.NewAddress(item.Buyer).String()
		out.Buyer = &buyer
	}
	return out
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// publishCustody refreshes the custodial-balance gauge after a fund-moving
// operation. Gauge staleness is tolerable, so read errors are swallowed.
func (s *Server) publishCustody() {
	total, err := s.engine.CustodialBalance()
	if err != nil {
		return
	}
	s.metrics.SetCustodialBalance(total)
}

func parseAddressParam(value, field string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, errors.New(field + ": " + err.Error())
	}
	return addr.Bytes(), nil
}

func parseAmountParam(value, field string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, errors.New(field + ": invalid decimal amount")
	}
	return amount, nil
}

// writeEngineError maps the engine's sentinel errors to stable JSON-RPC
// error codes so clients branch on code rather than message text.
func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, op string, err error) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		s.metrics.ObserveRejection(op, "notFound")
		writeError(w, http.StatusNotFound, id, codeMarketNotFound, "not_found", err.Error())
	case errors.Is(err, market.ErrUnauthorized):
		s.metrics.ObserveRejection(op, "unauthorized")
		writeError(w, http.StatusForbidden, id, codeMarketUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrIncorrectAmount):
		s.metrics.ObserveRejection(op, "invalidParams")
		writeError(w, http.StatusBadRequest, id, codeMarketInvalidParams, "invalid_params", err.Error())
	case errors.Is(err, market.ErrAlreadySold),
		errors.Is(err, market.ErrInvalidState),
		errors.Is(err, market.ErrInsufficientFunds):
		s.metrics.ObserveRejection(op, "conflict")
		writeError(w, http.StatusConflict, id, codeMarketConflict, "conflict", err.Error())
	default:
		s.metrics.ObserveRejection(op, "internal")
		writeError(w, http.StatusInternalServerError, id, codeMarketInternal, "internal_error", err.Error())
	}
}

func (s *Server) handleListItem(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params listItemParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddressParam(params.Seller, "seller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parseAmountParam(params.Price, "price")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.engine.ListItem(seller, price)
	if err != nil {
		s.writeEngineError(w, req.ID, "listItem", err)
		return
	}
	s.metrics.ObserveTransition("listItem")
	writeResult(w, req.ID, listItemResult{ID: id})
}

func (s *Server) handlePurchaseItem(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params purchaseItemParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddressParam(params.Buyer, "buyer")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	value, err := parseAmountParam(params.Value, "value")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.PurchaseItem(buyer, params.ID, value); err != nil {
		s.writeEngineError(w, req.ID, "purchaseItem", err)
		return
	}
	s.metrics.ObserveTransition("purchaseItem")
	s.publishCustody()
	writeResult(w, req.ID, true)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params itemActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ConfirmDelivery(caller, params.ID); err != nil {
		s.writeEngineError(w, req.ID, "confirmDelivery", err)
		return
	}
	s.metrics.ObserveTransition("confirmDelivery")
	s.publishCustody()
	writeResult(w, req.ID, true)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params itemActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.RaiseDispute(caller, params.ID); err != nil {
		s.writeEngineError(w, req.ID, "raiseDispute", err)
		return
	}
	s.metrics.ObserveTransition("raiseDispute")
	writeResult(w, req.ID, true)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params resolveDisputeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam(params.Caller, "caller")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ResolveDispute(caller, params.ID, params.RefundBuyer); err != nil {
		s.writeEngineError(w, req.ID, "resolveDispute", err)
		return
	}
	s.metrics.ObserveTransition("resolveDispute")
	s.publishCustody()
	writeResult(w, req.ID, true)
}

func (s *Server) handleGetItem(w http.ResponseWriter, req *RPCRequest) {
	var params itemIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	item, err := s.engine.GetItem(params.ID)
	if err != nil {
		s.writeEngineError(w, req.ID, "getItem", err)
		return
	}
	writeResult(w, req.ID, formatItem(item))
}

func (s *Server) handleItemCount(w http.ResponseWriter, req *RPCRequest) {
	count, err := s.engine.ItemCount()
	if err != nil {
		s.writeEngineError(w, req.ID, "itemCount", err)
		return
	}
	writeResult(w, req.ID, itemCountResult{Count: count})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddressParam(params.Address, "address")
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		s.writeEngineError(w, req.ID, "getBalance", err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: crypto.NewAddress(addr).String(),
		Balance: balance.String(),
	})
}
