package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tendermint/market/types"
)

func (s *Server) handleLevels(asks bool) http.HandlerFunc {
	key, get := "bids", s.market.Bids
	if asks {
		key, get = "asks", s.market.Asks
	}
	return func(w http.ResponseWriter, req *http.Request) {
		levels, err := get(req.Context())
		if err != nil {
			s.fail(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{key: newLevels(levels)})
	}
}

func (s *Server) handleCreate(ask bool) http.HandlerFunc {
	create := s.market.CreateBid
	if ask {
		create = s.market.CreateAsk
	}
	return func(w http.ResponseWriter, req *http.Request) {
		var body createOrderRequest
		dec := json.NewDecoder(req.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			if statusOf(err) == http.StatusRequestEntityTooLarge {
				s.fail(w, req, err)
				return
			}
			writeError(w, http.StatusBadRequest, fmt.Errorf("malformed body: %w", err))
			return
		}
		assets, err := body.Assets.pair()
		if err != nil {
			s.fail(w, req, err)
			return
		}
		o, err := create(req.Context(), assets, types.Timeout(body.Timeout))
		if err != nil {
			s.fail(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"order": newOrder(o, s.clock.Now())})
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, req *http.Request) {
	orders, err := s.market.Orders(req.Context())
	if err != nil {
		s.fail(w, req, err)
		return
	}
	now := s.clock.Now()
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrder(o, now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out})
}

// orderID parses the id path variable. A bare number names an own order.
func (s *Server) orderID(req *http.Request) (types.OrderID, error) {
	raw := mux.Vars(req)["id"]
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return types.OrderID{TraderID: s.market.TraderID(), OrderNumber: n}, nil
	}
	return types.ParseOrderID(raw)
}

func (s *Server) handleOrder(w http.ResponseWriter, req *http.Request) {
	id, err := s.orderID(req)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	o, err := s.market.Order(req.Context(), id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": newOrder(o, s.clock.Now())})
}

func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	id, err := s.orderID(req)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	o, err := s.market.CancelOrder(req.Context(), id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true, "order": newOrder(o, s.clock.Now())})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, req *http.Request) {
	id, err := s.orderID(req)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	state, err := s.market.QueryOrderStatus(req.Context(), id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	resp := map[string]interface{}{"order_id": id.String(), "status": string(state.Status)}
	if state.Tick != nil {
		resp["tick"] = newTick(state.Tick)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransactions(w http.ResponseWriter, req *http.Request) {
	txs, err := s.market.Transactions(req.Context())
	if err != nil {
		s.fail(w, req, err)
		return
	}
	out := make([]transactionJSON, 0, len(txs))
	for _, tx := range txs {
		out = append(out, newTransaction(tx))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": out})
}

func (s *Server) handleTransaction(w http.ResponseWriter, req *http.Request) {
	id, err := types.ParseTransactionID(mux.Vars(req)["id"])
	if err != nil {
		s.fail(w, req, err)
		return
	}
	tx, err := s.market.Transaction(req.Context(), id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transaction": newTransaction(tx)})
}

func (s *Server) handlePayments(w http.ResponseWriter, req *http.Request) {
	id, err := types.ParseTransactionID(mux.Vars(req)["id"])
	if err != nil {
		s.fail(w, req, err)
		return
	}
	payments, err := s.market.Payments(req.Context(), id)
	if err != nil {
		s.fail(w, req, err)
		return
	}
	out := make([]paymentJSON, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPayment(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payments": out})
}

func (s *Server) handlePeers(w http.ResponseWriter, req *http.Request) {
	peers, err := s.market.Peers(req.Context())
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": newPeers(peers)})
}

func (s *Server) handleMatchmakers(w http.ResponseWriter, req *http.Request) {
	peers, err := s.market.Matchmakers(req.Context())
	if err != nil {
		s.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"matchmakers": newPeers(peers)})
}
