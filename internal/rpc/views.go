package rpc

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tendermint/market/internal/market"
	"github.com/tendermint/market/types"
)

type assetJSON struct {
	Amount int64  `json:"amount"`
	Type   string `json:"type"`
}

type assetsJSON struct {
	First  assetJSON `json:"first"`
	Second assetJSON `json:"second"`
}

func newAssets(p types.AssetPair) assetsJSON {
	return assetsJSON{
		First:  assetJSON{Amount: p.First.Amount, Type: p.First.AssetID},
		Second: assetJSON{Amount: p.Second.Amount, Type: p.Second.AssetID},
	}
}

// pair returns the assets as given. The pair must already be canonical:
// reordering would turn an ask into a bid.
func (a assetsJSON) pair() (types.AssetPair, error) {
	p := types.AssetPair{
		First:  types.AssetAmount{Amount: a.First.Amount, AssetID: a.First.Type},
		Second: types.AssetAmount{Amount: a.Second.Amount, AssetID: a.Second.Type},
	}
	return p, p.ValidatePositive()
}

type tickJSON struct {
	TraderID    string          `json:"trader_id"`
	OrderNumber uint64          `json:"order_number"`
	Assets      assetsJSON      `json:"assets"`
	Price       decimal.Decimal `json:"price"`
	Traded      int64           `json:"traded"`
	Timeout     int64           `json:"timeout"`
	Timestamp   int64           `json:"timestamp"`
}

func newTick(t *types.Tick) tickJSON {
	return tickJSON{
		TraderID:    string(t.OrderID.TraderID),
		OrderNumber: t.OrderID.OrderNumber,
		Assets:      newAssets(t.Assets),
		Price:       t.Price().Decimal(),
		Traded:      t.Traded,
		Timeout:     int64(t.Timeout),
		Timestamp:   types.TimeToMillis(t.Timestamp),
	}
}

type levelJSON struct {
	Market   string          `json:"market"`
	Price    decimal.Decimal `json:"price"`
	Depth    int64           `json:"depth"`
	Reserved int64           `json:"reserved"`
	Ticks    []tickJSON      `json:"ticks"`
}

func newLevels(levels []market.Level) []levelJSON {
	out := make([]levelJSON, 0, len(levels))
	for _, l := range levels {
		v := levelJSON{
			Market:   l.Market.String(),
			Price:    l.Price.Decimal(),
			Depth:    l.Depth,
			Reserved: l.Reserved,
			Ticks:    make([]tickJSON, 0, len(l.Ticks)),
		}
		for _, t := range l.Ticks {
			v.Ticks = append(v.Ticks, newTick(t))
		}
		out = append(out, v)
	}
	return out
}

type orderJSON struct {
	TraderID    string          `json:"trader_id"`
	OrderNumber uint64          `json:"order_number"`
	Assets      assetsJSON      `json:"assets"`
	Price       decimal.Decimal `json:"price"`
	Reserved    int64           `json:"reserved_quantity"`
	Traded      int64           `json:"traded"`
	Timeout     int64           `json:"timeout"`
	Timestamp   int64           `json:"timestamp"`
	CompletedAt *int64          `json:"completed_timestamp"`
	IsAsk       bool            `json:"is_ask"`
	Cancelled   bool            `json:"cancelled"`
	Status      string          `json:"status"`
}

func newOrder(o *types.Order, now time.Time) orderJSON {
	v := orderJSON{
		TraderID:    string(o.ID.TraderID),
		OrderNumber: o.ID.OrderNumber,
		Assets:      newAssets(o.Assets),
		Price:       o.Price().Decimal(),
		Reserved:    o.Reserved(),
		Traded:      o.Traded(),
		Timeout:     int64(o.Timeout),
		Timestamp:   types.TimeToMillis(o.CreatedAt),
		IsAsk:       o.IsAsk,
		Cancelled:   o.IsCancelled(),
		Status:      string(o.Status(now)),
	}
	if !o.CompletedAt.IsZero() {
		ms := types.TimeToMillis(o.CompletedAt)
		v.CompletedAt = &ms
	}
	return v
}

type transactionJSON struct {
	TransactionID  string     `json:"transaction_id"`
	TraderID       string     `json:"trader_id"`
	Number         uint64     `json:"transaction_number"`
	OrderNumber    uint64     `json:"order_number"`
	PartnerTrader  string     `json:"partner_trader_id"`
	PartnerOrder   uint64     `json:"partner_order_number"`
	Assets         assetsJSON `json:"assets"`
	Transferred    assetsJSON `json:"transferred_assets"`
	Timestamp      int64      `json:"timestamp"`
	PaymentsCount  int        `json:"payments"`
	IsAsk          bool       `json:"is_ask"`
	Initiator      bool       `json:"initiator"`
	State          string     `json:"state"`
	Status         string     `json:"status"`
	IncomingAddr   string     `json:"incoming_address"`
	OutgoingAddr   string     `json:"outgoing_address"`
	PartnerInAddr  string     `json:"partner_incoming_address"`
	PartnerOutAddr string     `json:"partner_outgoing_address"`
}

func newTransaction(tx *types.Transaction) transactionJSON {
	return transactionJSON{
		TransactionID:  tx.ID.String(),
		TraderID:       string(tx.ID.TraderID),
		Number:         tx.ID.TransactionNumber,
		OrderNumber:    tx.MyOrderID.OrderNumber,
		PartnerTrader:  string(tx.PartnerOrderID.TraderID),
		PartnerOrder:   tx.PartnerOrderID.OrderNumber,
		Assets:         newAssets(tx.Assets),
		Transferred:    newAssets(tx.Transferred),
		Timestamp:      types.TimeToMillis(tx.CreatedAt),
		PaymentsCount:  len(tx.Payments),
		IsAsk:          tx.IsAsk,
		Initiator:      tx.Initiator,
		State:          tx.State.String(),
		Status:         string(tx.Status()),
		IncomingAddr:   tx.MyIncomingAddress,
		OutgoingAddr:   tx.MyOutgoingAddress,
		PartnerInAddr:  tx.PartnerIncomingAddress,
		PartnerOutAddr: tx.PartnerOutgoingAddress,
	}
}

type paymentJSON struct {
	TransactionID string    `json:"transaction_id"`
	Asset         assetJSON `json:"transferred"`
	From          string    `json:"address_from"`
	To            string    `json:"address_to"`
	PaymentID     string    `json:"payment_id"`
	Timestamp     int64     `json:"timestamp"`
	Success       bool      `json:"success"`
}

func newPayment(p *types.Payment) paymentJSON {
	return paymentJSON{
		TransactionID: p.TransactionID.String(),
		Asset:         assetJSON{Amount: p.TransferredAsset.Amount, Type: p.TransferredAsset.AssetID},
		From:          p.FromAddress,
		To:            p.ToAddress,
		PaymentID:     p.ExternalPaymentID,
		Timestamp:     types.TimeToMillis(p.Timestamp),
		Success:       p.Success,
	}
}

type peerJSON struct {
	TraderID   string `json:"trader_id"`
	Address    string `json:"address"`
	Matchmaker bool   `json:"matchmaker"`
	Connected  bool   `json:"connected"`
}

func newPeers(peers []market.Peer) []peerJSON {
	out := make([]peerJSON, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerJSON{
			TraderID:   string(p.TraderID),
			Address:    p.Address,
			Matchmaker: p.Matchmaker,
			Connected:  p.Connected,
		})
	}
	return out
}

// createOrderRequest is the body of PUT /asks and PUT /bids.
type createOrderRequest struct {
	Assets  assetsJSON `json:"assets"`
	Timeout int64      `json:"timeout"`
}
