package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/protocol"
)

type discoverRequest struct {
	TransactionID string                   `json:"transaction_id"`
	Criteria      domain.DiscoveryCriteria `json:"criteria"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.Discover(r.Context(), req.TransactionID, req.Criteria)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type selectRequest struct {
	TransactionID string             `json:"transaction_id"`
	OfferID       string             `json:"offer_id"`
	Qty           int64              `json:"qty"`
	AutoMatch     bool               `json:"auto_match"`
	Window        *domain.TimeWindow `json:"window,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.Select(r.Context(), req.TransactionID, coordinator.SelectParams{
		OfferID:   req.OfferID,
		Qty:       req.Qty,
		AutoMatch: req.AutoMatch,
		Window:    req.Window,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type initRequest struct {
	TransactionID string `json:"transaction_id"`
	OfferID       string `json:"offer_id"`
	Qty           int64  `json:"qty"`
	BuyerID       string `json:"buyer_id"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.Init(r.Context(), req.TransactionID, req.OfferID, req.Qty, req.BuyerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type confirmRequest struct {
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	BuyerID       string `json:"buyer_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.Confirm(r.Context(), req.TransactionID, req.OrderID, req.BuyerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type cancelRequest struct {
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Reason        string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.Cancel(r.Context(), req.TransactionID, req.OrderID, req.Reason)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type placeRequest struct {
	BuyerID  string                   `json:"buyer_id"`
	OfferID  string                   `json:"offer_id,omitempty"`
	Criteria domain.DiscoveryCriteria `json:"criteria"`
}

// handlePlace runs the whole discover/select/init/confirm flow in one call.
func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.deps.BAP.PlaceTrade(r.Context(), coordinator.TradeParams{
		BuyerID:  req.BuyerID,
		OfferID:  req.OfferID,
		Criteria: req.Criteria,
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusCreated, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	txn := r.PathValue("txn")
	orderID := r.URL.Query().Get("order_id")
	order, err := s.deps.BAP.Status(r.Context(), txn, orderID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, order)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.BAP.State(r.Context(), r.PathValue("txn"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeOK(w, http.StatusOK, state)
}

// handleProtocolMessage is the provider-platform callback. The body is a
// bare protocol envelope and so is the response; remote buyer apps parse
// it with the protocol transport, not the API envelope. Unknown context
// fields from newer peers pass through untouched.
func (s *Server) handleProtocolMessage(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&env); err != nil {
		writeError(w, s.log, domain.NewValidationError("server.protocol_message", "malformed envelope").
			WithDetail("cause", err.Error()))
		return
	}
	resp, err := s.deps.BPP.Handle(r.Context(), &env)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
