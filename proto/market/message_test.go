package market

import (
	"fmt"
	"testing"

	"github.com/gogo/protobuf/proto"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	testHeader = Header{TraderID: "aa", MessageNumber: 7, Timestamp: 1700000000123}
	testPair   = AssetPair{
		First:  AssetAmount{Amount: 10, AssetID: "BTC"},
		Second: AssetAmount{Amount: 20, AssetID: "MB"},
	}
	testTick = TickData{
		OrderID:   OrderID{TraderID: "aa", Number: 3},
		Assets:    testPair,
		Traded:    4,
		Timeout:   3600,
		Timestamp: 1700000000000,
		IsAsk:     true,
	}
)

func TestMessageEnvelope(t *testing.T) {
	testCases := []proto.Message{
		&Info{Header: testHeader, Address: "ws://127.0.0.1:26656", IsMatchmaker: true},
		&Tick{Header: testHeader, Tick: testTick},
		&CancelOrder{Header: testHeader, OrderNumber: 3},
		&Match{Header: testHeader, MatchID: "0123456789abcdef0123", RecipientOrderNumber: 1, MatchedTick: testTick, Quantity: 5},
		&AcceptMatch{Header: testHeader, MatchID: "m"},
		&DeclineMatch{Header: testHeader, MatchID: "m", OtherOrderID: OrderID{TraderID: "bb", Number: 1}, Reason: "order_unavailable"},
		&ProposedTrade{Header: testHeader, ProposalID: 99, OrderNumber: 1, RecipientOrderID: OrderID{TraderID: "bb", Number: 2}, Assets: testPair},
		&CounterTrade{ProposedTrade{Header: testHeader, ProposalID: 99, OrderNumber: 2, RecipientOrderID: OrderID{TraderID: "aa", Number: 1}, Assets: testPair}},
		&DeclinedTrade{Header: testHeader, ProposalID: 99, OrderNumber: 2, RecipientOrderID: OrderID{TraderID: "aa", Number: 1}, Reason: "price_unacceptable"},
		&StartTransaction{Header: testHeader, ProposalID: 99, TransactionID: OrderID{TraderID: "aa", Number: 1}, OrderNumber: 1, RecipientOrderID: OrderID{TraderID: "bb", Number: 2}, Assets: testPair},
		&WalletInfo{Header: testHeader, TransactionID: OrderID{TraderID: "aa", Number: 1}, IncomingAddress: "in", OutgoingAddress: "out"},
		&Payment{Header: testHeader, TransactionID: OrderID{TraderID: "aa", Number: 1}, TransferredAsset: AssetAmount{Amount: 2, AssetID: "MB"}, FromAddress: "f", ToAddress: "t", PaymentID: "p", Success: true},
		&OrderStatusRequest{Header: testHeader, OrderID: OrderID{TraderID: "bb", Number: 2}, Identifier: 5},
		&OrderStatusResponse{Header: testHeader, Identifier: 5, Tick: testTick, Status: "open"},
		&OrderbookSync{Header: testHeader, Filter: []byte{1, 2, 3}, NumHashes: 4},
	}

	for _, msg := range testCases {
		msg := msg
		t.Run(fmt.Sprintf("%T", msg), func(t *testing.T) {
			wrapped, err := msg.(interface {
				Wrap() (proto.Message, error)
			}).Wrap()
			require.NoError(t, err)

			bz, err := proto.Marshal(wrapped)
			require.NoError(t, err)

			var envelope Message
			require.NoError(t, proto.Unmarshal(bz, &envelope))
			got, err := envelope.Unwrap()
			require.NoError(t, err)
			require.Equal(t, msg, got)
			require.Equal(t, &testHeader, got.(HeaderCarrier).GetHeader())
		})
	}
}

func TestMessageUnknown(t *testing.T) {
	_, err := Wrap(&OrderRecord{})
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = (&Message{}).Unwrap()
	require.ErrorIs(t, err, ErrUnknownMessage)

	// unknown envelope fields are skipped
	bz := protowire.AppendTag(nil, 99, protowire.VarintType)
	bz = protowire.AppendVarint(bz, 1)
	var m Message
	require.NoError(t, m.Unmarshal(bz))
	require.Nil(t, m.Sum)
}

func TestUnmarshalErrors(t *testing.T) {
	// field 1 of Header declared as varint instead of bytes
	bz := protowire.AppendTag(nil, 1, protowire.VarintType)
	bz = protowire.AppendVarint(bz, 1)
	var h Header
	require.ErrorIs(t, h.Unmarshal(bz), ErrWireType)

	// truncated length-delimited field
	bz = protowire.AppendTag(nil, 1, protowire.BytesType)
	bz = protowire.AppendVarint(bz, 10)
	require.Error(t, h.Unmarshal(bz))
}

func TestRecords(t *testing.T) {
	order := &OrderRecord{
		OrderID: OrderID{TraderID: "aa", Number: 1}, Assets: testPair, Traded: 3,
		Timeout: 60, CreatedAt: 1, CompletedAt: 2, IsAsk: true, Cancelled: true,
	}
	tx := &TransactionRecord{
		TransactionID: OrderID{TraderID: "aa", Number: 1}, Assets: testPair, Transferred: testPair,
		MyOrderID: OrderID{TraderID: "aa", Number: 1}, PartnerOrderID: OrderID{TraderID: "bb", Number: 1},
		ProposalID: 12, CreatedAt: 5, IsAsk: true, Initiator: true, WalletInfoSent: true,
		WalletInfoReceived: true, MyIncomingAddress: "a", MyOutgoingAddress: "b",
		PartnerIncomingAddress: "c", PartnerOutgoingAddress: "d", State: 4, Unreceipted: true, LastActivity: 9,
	}
	payment := &PaymentRecord{
		TransactionID: OrderID{TraderID: "aa", Number: 1}, TransferredAsset: AssetAmount{Amount: 1, AssetID: "BTC"},
		FromAddress: "a", ToAddress: "b", ExternalPaymentID: "x", Timestamp: 4, Success: true,
	}
	reserved := &ReservedTick{OrderID: OrderID{TraderID: "aa", Number: 1}, CounterpartyOrderID: OrderID{TraderID: "bb", Number: 9}, Quantity: 4}
	trader := &TraderRecord{TraderID: "aa", Address: "ws://x"}

	testCases := []struct {
		in, out proto.Message
	}{
		{order, &OrderRecord{}},
		{tx, &TransactionRecord{}},
		{payment, &PaymentRecord{}},
		{reserved, &ReservedTick{}},
		{trader, &TraderRecord{}},
	}
	for _, tc := range testCases {
		bz, err := proto.Marshal(tc.in)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(bz, tc.out))
		require.Equal(t, tc.in, tc.out)
	}
}
