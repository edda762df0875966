package store

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gogo/protobuf/proto"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

// SchemaVersion is the version of the persisted layout written by this
// package.
const SchemaVersion = 1

var (
	ErrNotFound      = errors.New("not found")
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Store persists the state a node needs to resume after a restart: its own
// orders with their reservations, the ticks in its book, its transactions
// with their payments, and known trader addresses.
type Store interface {
	SaveOrder(o *types.Order) error
	LoadOrder(id types.OrderID) (*types.Order, error)
	LoadOrders() ([]*types.Order, error)

	SaveTick(t *types.Tick) error
	DeleteTick(id types.OrderID) error
	LoadTicks() ([]*types.Tick, error)

	SaveTransaction(tx *types.Transaction) error
	LoadTransaction(id types.TransactionID) (*types.Transaction, error)
	LoadTransactions() ([]*types.Transaction, error)

	SaveTrader(id types.TraderID, address string) error
	LoadTraders() (map[types.TraderID]string, error)

	// NextOrderNumber and NextTransactionNumber hand out strictly increasing
	// numbers starting at 1 that survive restarts.
	NextOrderNumber() (uint64, error)
	NextTransactionNumber() (uint64, error)

	Close() error
}

/*
DBStore is a Store on a key-value database.

The logical tables are key prefixes:
  - orders:               order records keyed by order id
  - order_reserved_ticks: reservations keyed by (order id, counterparty id)
  - ticks:                book entries keyed by order id
  - transactions:         transaction records keyed by transaction id
  - payments:             payments keyed by (transaction id, index)
  - traders:              trader addresses keyed by trader id
  - meta:                 schema version and counters

NOTE: DBStore methods return an error when they encounter a record they
cannot decode, indicating probable corruption on disk.
*/
type DBStore struct {
	db dbm.DB
}

var _ Store = (*DBStore)(nil)

// Open returns a DBStore on db, writing the schema version into an empty
// database. A database written by a newer version is refused.
func Open(db dbm.DB) (*DBStore, error) {
	bz, err := db.Get(metaKey(metaSchemaVersion))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		if err := db.SetSync(metaKey(metaSchemaVersion), []byte(strconv.Itoa(SchemaVersion))); err != nil {
			return nil, err
		}
		return &DBStore{db: db}, nil
	}
	version, err := strconv.Atoi(string(bz))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrSchemaVersion, bz)
	}
	if version > SchemaVersion {
		return nil, fmt.Errorf("%w: database has version %d, this build supports up to %d",
			ErrSchemaVersion, version, SchemaVersion)
	}
	return &DBStore{db: db}, nil
}

func (s *DBStore) SaveOrder(o *types.Order) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(orderKey(o.ID), mustEncode(o.ToRecord())); err != nil {
		return err
	}

	// replace the reservations of the order
	err := s.iterate(reservedTickRange(o.ID), func(key, _ []byte) error {
		return batch.Delete(key)
	})
	if err != nil {
		return err
	}
	for cp, qty := range o.ReservedTicks() {
		rt := &marketproto.ReservedTick{
			OrderID:             o.ID.ToProto(),
			CounterpartyOrderID: cp.ToProto(),
			Quantity:            qty,
		}
		if err := batch.Set(reservedTickKey(o.ID, cp), mustEncode(rt)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (s *DBStore) LoadOrder(id types.OrderID) (*types.Order, error) {
	bz, err := s.db.Get(orderKey(id))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return s.decodeOrder(bz)
}

func (s *DBStore) decodeOrder(bz []byte) (*types.Order, error) {
	pb := new(marketproto.OrderRecord)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal to marketproto.OrderRecord: %w", err)
	}
	id, err := types.OrderIDFromProto(pb.OrderID)
	if err != nil {
		return nil, err
	}

	reserved := make(map[types.OrderID]int64)
	err = s.iterate(reservedTickRange(id), func(_, value []byte) error {
		rt := new(marketproto.ReservedTick)
		if err := proto.Unmarshal(value, rt); err != nil {
			return fmt.Errorf("unmarshal to marketproto.ReservedTick: %w", err)
		}
		cp, err := types.OrderIDFromProto(rt.CounterpartyOrderID)
		if err != nil {
			return err
		}
		reserved[cp] = rt.Quantity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return types.OrderFromRecord(pb, reserved)
}

func (s *DBStore) LoadOrders() ([]*types.Order, error) {
	var orders []*types.Order
	err := s.iterate(prefixRange(prefixOrder), func(_, value []byte) error {
		o, err := s.decodeOrder(value)
		if err != nil {
			return err
		}
		orders = append(orders, o)
		return nil
	})
	return orders, err
}

func (s *DBStore) SaveTick(t *types.Tick) error {
	pb := t.ToProto()
	return s.db.Set(tickKey(t.OrderID), mustEncode(&pb))
}

func (s *DBStore) DeleteTick(id types.OrderID) error {
	return s.db.Delete(tickKey(id))
}

func (s *DBStore) LoadTicks() ([]*types.Tick, error) {
	var ticks []*types.Tick
	err := s.iterate(prefixRange(prefixTick), func(key, value []byte) error {
		id, err := decodeOrderKey(key)
		if err != nil {
			return err
		}
		pb := new(marketproto.TickData)
		if err := proto.Unmarshal(value, pb); err != nil {
			return fmt.Errorf("unmarshal to marketproto.TickData: %w", err)
		}
		t, err := types.TickFromProto(*pb)
		if err != nil {
			return err
		}
		if t.OrderID != id {
			return fmt.Errorf("tick %s stored under key of %s", t.OrderID, id)
		}
		ticks = append(ticks, t)
		return nil
	})
	return ticks, err
}

// SaveTransaction writes the transaction record and all of its payments.
// Payments are only ever appended, so existing indexes are overwritten with
// identical values.
func (s *DBStore) SaveTransaction(tx *types.Transaction) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(transactionKey(tx.ID), mustEncode(tx.ToRecord())); err != nil {
		return err
	}
	for i, p := range tx.Payments {
		if err := batch.Set(paymentKey(tx.ID, i), mustEncode(p.ToRecord())); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (s *DBStore) LoadTransaction(id types.TransactionID) (*types.Transaction, error) {
	bz, err := s.db.Get(transactionKey(id))
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return s.decodeTransaction(bz)
}

func (s *DBStore) decodeTransaction(bz []byte) (*types.Transaction, error) {
	pb := new(marketproto.TransactionRecord)
	if err := proto.Unmarshal(bz, pb); err != nil {
		return nil, fmt.Errorf("unmarshal to marketproto.TransactionRecord: %w", err)
	}
	id, err := types.TransactionIDFromProto(pb.TransactionID)
	if err != nil {
		return nil, err
	}

	var payments []*types.Payment
	err = s.iterate(paymentRange(id), func(_, value []byte) error {
		pr := new(marketproto.PaymentRecord)
		if err := proto.Unmarshal(value, pr); err != nil {
			return fmt.Errorf("unmarshal to marketproto.PaymentRecord: %w", err)
		}
		p, err := types.PaymentFromRecord(pr)
		if err != nil {
			return err
		}
		payments = append(payments, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return types.TransactionFromRecord(pb, payments)
}

func (s *DBStore) LoadTransactions() ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := s.iterate(prefixRange(prefixTransaction), func(_, value []byte) error {
		tx, err := s.decodeTransaction(value)
		if err != nil {
			return err
		}
		txs = append(txs, tx)
		return nil
	})
	return txs, err
}

func (s *DBStore) SaveTrader(id types.TraderID, address string) error {
	pb := &marketproto.TraderRecord{TraderID: string(id), Address: address}
	return s.db.Set(traderKey(id), mustEncode(pb))
}

func (s *DBStore) LoadTraders() (map[types.TraderID]string, error) {
	traders := make(map[types.TraderID]string)
	err := s.iterate(prefixRange(prefixTrader), func(_, value []byte) error {
		pb := new(marketproto.TraderRecord)
		if err := proto.Unmarshal(value, pb); err != nil {
			return fmt.Errorf("unmarshal to marketproto.TraderRecord: %w", err)
		}
		traders[types.TraderID(pb.TraderID)] = pb.Address
		return nil
	})
	return traders, err
}

func (s *DBStore) NextOrderNumber() (uint64, error) {
	return s.next(metaOrderCounter)
}

func (s *DBStore) NextTransactionNumber() (uint64, error) {
	return s.next(metaTxCounter)
}

func (s *DBStore) next(name string) (uint64, error) {
	key := metaKey(name)
	bz, err := s.db.Get(key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if len(bz) > 0 {
		if n, err = strconv.ParseUint(string(bz), 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt counter %s: %w", name, err)
		}
	}
	n++
	if err := s.db.SetSync(key, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *DBStore) Close() error {
	return s.db.Close()
}

func (s *DBStore) iterate(r keyRange, fn func(key, value []byte) error) error {
	iter, err := s.db.Iterator(r.start, r.end)
	if err != nil {
		return err
	}
	defer iter.Close()

	// keys are collected first so fn may write to a batch over the same range
	type kv struct{ key, value []byte }
	var items []kv
	for ; iter.Valid(); iter.Next() {
		items = append(items, kv{
			key:   append([]byte(nil), iter.Key()...),
			value: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, it := range items {
		if err := fn(it.key, it.value); err != nil {
			return err
		}
	}
	return nil
}

//---------------------------------- KEY ENCODING -----------------------------------------

const (
	// prefixes are unique across the store db
	prefixMeta         = int64(0)
	prefixOrder        = int64(1)
	prefixReservedTick = int64(2)
	prefixTick         = int64(3)
	prefixTransaction  = int64(4)
	prefixPayment      = int64(5)
	prefixTrader       = int64(6)
)

const (
	metaSchemaVersion = "schema_version"
	metaOrderCounter  = "order_counter"
	metaTxCounter     = "transaction_counter"
)

type keyRange struct {
	start, end []byte
}

func mustAppend(parts ...interface{}) []byte {
	key, err := orderedcode.Append(nil, parts...)
	if err != nil {
		panic(err)
	}
	return key
}

func metaKey(name string) []byte {
	return mustAppend(prefixMeta, name)
}

func orderKey(id types.OrderID) []byte {
	return mustAppend(prefixOrder, string(id.TraderID), int64(id.OrderNumber))
}

func reservedTickKey(id, counterparty types.OrderID) []byte {
	return mustAppend(prefixReservedTick, string(id.TraderID), int64(id.OrderNumber),
		string(counterparty.TraderID), int64(counterparty.OrderNumber))
}

func reservedTickRange(id types.OrderID) keyRange {
	return keyRange{
		start: mustAppend(prefixReservedTick, string(id.TraderID), int64(id.OrderNumber)),
		end:   mustAppend(prefixReservedTick, string(id.TraderID), int64(id.OrderNumber), orderedcode.Infinity),
	}
}

func tickKey(id types.OrderID) []byte {
	return mustAppend(prefixTick, string(id.TraderID), int64(id.OrderNumber))
}

func transactionKey(id types.TransactionID) []byte {
	return mustAppend(prefixTransaction, string(id.TraderID), int64(id.TransactionNumber))
}

func paymentKey(id types.TransactionID, index int) []byte {
	return mustAppend(prefixPayment, string(id.TraderID), int64(id.TransactionNumber), int64(index))
}

func paymentRange(id types.TransactionID) keyRange {
	return keyRange{
		start: mustAppend(prefixPayment, string(id.TraderID), int64(id.TransactionNumber)),
		end:   mustAppend(prefixPayment, string(id.TraderID), int64(id.TransactionNumber), orderedcode.Infinity),
	}
}

func traderKey(id types.TraderID) []byte {
	return mustAppend(prefixTrader, string(id))
}

func prefixRange(prefix int64) keyRange {
	return keyRange{
		start: mustAppend(prefix),
		end:   mustAppend(prefix, orderedcode.Infinity),
	}
}

func decodeOrderKey(key []byte) (types.OrderID, error) {
	var (
		prefix, number int64
		trader         string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &trader, &number)
	if err != nil {
		return types.OrderID{}, err
	}
	if len(remaining) != 0 {
		return types.OrderID{}, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixOrder && prefix != prefixTick {
		return types.OrderID{}, fmt.Errorf("incorrect prefix %v for an order key", prefix)
	}
	return types.OrderID{TraderID: types.TraderID(trader), OrderNumber: uint64(number)}, nil
}

//-----------------------------------------------------------------------------

// mustEncode proto encodes a proto.message and panics if fails
func mustEncode(pb proto.Message) []byte {
	bz, err := proto.Marshal(pb)
	if err != nil {
		panic(fmt.Errorf("unable to marshal: %w", err))
	}
	return bz
}
