// Package psql implements a store backed by a PostgreSQL database. The
// tables mirror the key prefixes of the key-value store and are defined in
// schema.sql.
package psql

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/adlio/schema"
	"github.com/gogo/protobuf/proto"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	// Register the Postgres database driver.
	_ "github.com/lib/pq"

	"github.com/tendermint/market/internal/store"
	marketproto "github.com/tendermint/market/proto/market"
	"github.com/tendermint/market/types"
)

const DriverName = "postgres"

//go:embed schema.sql
var schemaSQL string

// Migrations returns the schema migrations of the store in order.
func Migrations() []*schema.Migration {
	return []*schema.Migration{
		{ID: "2024-01-01 market schema v1", Script: schemaSQL},
	}
}

type metaRow struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}

func (metaRow) TableName() string { return "meta" }

type orderRow struct {
	TraderID    string `gorm:"primaryKey"`
	OrderNumber int64  `gorm:"primaryKey"`
	IsAsk       bool
	Traded      int64
	Cancelled   bool
	Record      []byte
}

func (orderRow) TableName() string { return "orders" }

type reservedTickRow struct {
	TraderID                string `gorm:"primaryKey"`
	OrderNumber             int64  `gorm:"primaryKey"`
	CounterpartyTraderID    string `gorm:"primaryKey"`
	CounterpartyOrderNumber int64  `gorm:"primaryKey"`
	Quantity                int64
}

func (reservedTickRow) TableName() string { return "order_reserved_ticks" }

type tickRow struct {
	TraderID    string `gorm:"primaryKey"`
	OrderNumber int64  `gorm:"primaryKey"`
	IsAsk       bool
	Record      []byte
}

func (tickRow) TableName() string { return "ticks" }

type transactionRow struct {
	TraderID          string `gorm:"primaryKey"`
	TransactionNumber int64  `gorm:"primaryKey"`
	State             uint32
	Record            []byte
}

func (transactionRow) TableName() string { return "transactions" }

type paymentRow struct {
	TraderID          string `gorm:"primaryKey"`
	TransactionNumber int64  `gorm:"primaryKey"`
	PaymentIndex      int    `gorm:"primaryKey"`
	Success           bool
	Record            []byte
}

func (paymentRow) TableName() string { return "payments" }

type traderRow struct {
	TraderID string `gorm:"primaryKey"`
	Address  string
}

func (traderRow) TableName() string { return "traders" }

// Store is a store.Store on PostgreSQL.
type Store struct {
	sqlDB *sql.DB
	db    *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at connStr, applies the schema migrations
// and checks the schema version.
func Open(connStr string) (*Store, error) {
	sqlDB, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	s, err := New(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection.
func New(sqlDB *sql.DB) (*Store, error) {
	if err := schema.NewMigrator().Apply(sqlDB, Migrations()); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	var version metaRow
	if err := db.First(&version, "name = ?", "schema_version").Error; err != nil {
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if version.Value > store.SchemaVersion {
		return nil, fmt.Errorf("%w: database has version %d, this build supports up to %d",
			store.ErrSchemaVersion, version.Value, store.SchemaVersion)
	}
	return &Store{sqlDB: sqlDB, db: db}, nil
}

// DB returns the underlying connection. This is exported to support testing.
func (s *Store) DB() *sql.DB { return s.sqlDB }

func upsert(db *gorm.DB, row interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

func (s *Store) SaveOrder(o *types.Order) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row := orderRow{
			TraderID:    string(o.ID.TraderID),
			OrderNumber: int64(o.ID.OrderNumber),
			IsAsk:       o.IsAsk,
			Traded:      o.Traded(),
			Cancelled:   o.IsCancelled(),
			Record:      mustEncode(o.ToRecord()),
		}
		if err := upsert(tx, &row); err != nil {
			return err
		}
		err := tx.Where("trader_id = ? AND order_number = ?", row.TraderID, row.OrderNumber).
			Delete(&reservedTickRow{}).Error
		if err != nil {
			return err
		}
		for cp, qty := range o.ReservedTicks() {
			rt := reservedTickRow{
				TraderID:                row.TraderID,
				OrderNumber:             row.OrderNumber,
				CounterpartyTraderID:    string(cp.TraderID),
				CounterpartyOrderNumber: int64(cp.OrderNumber),
				Quantity:                qty,
			}
			if err := tx.Create(&rt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadOrder(id types.OrderID) (*types.Order, error) {
	var row orderRow
	err := s.db.Where("trader_id = ? AND order_number = ?", string(id.TraderID), int64(id.OrderNumber)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return s.decodeOrder(row)
}

func (s *Store) decodeOrder(row orderRow) (*types.Order, error) {
	pb := new(marketproto.OrderRecord)
	if err := proto.Unmarshal(row.Record, pb); err != nil {
		return nil, fmt.Errorf("unmarshal to marketproto.OrderRecord: %w", err)
	}
	var rts []reservedTickRow
	err := s.db.Where("trader_id = ? AND order_number = ?", row.TraderID, row.OrderNumber).
		Find(&rts).Error
	if err != nil {
		return nil, err
	}
	reserved := make(map[types.OrderID]int64, len(rts))
	for _, rt := range rts {
		cp := types.OrderID{TraderID: types.TraderID(rt.CounterpartyTraderID), OrderNumber: uint64(rt.CounterpartyOrderNumber)}
		reserved[cp] = rt.Quantity
	}
	return types.OrderFromRecord(pb, reserved)
}

func (s *Store) LoadOrders() ([]*types.Order, error) {
	var rows []orderRow
	if err := s.db.Order("trader_id, order_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	orders := make([]*types.Order, 0, len(rows))
	for _, row := range rows {
		o, err := s.decodeOrder(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Store) SaveTick(t *types.Tick) error {
	pb := t.ToProto()
	return upsert(s.db, &tickRow{
		TraderID:    string(t.OrderID.TraderID),
		OrderNumber: int64(t.OrderID.OrderNumber),
		IsAsk:       t.IsAsk,
		Record:      mustEncode(&pb),
	})
}

func (s *Store) DeleteTick(id types.OrderID) error {
	return s.db.Where("trader_id = ? AND order_number = ?", string(id.TraderID), int64(id.OrderNumber)).
		Delete(&tickRow{}).Error
}

func (s *Store) LoadTicks() ([]*types.Tick, error) {
	var rows []tickRow
	if err := s.db.Order("trader_id, order_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	ticks := make([]*types.Tick, 0, len(rows))
	for _, row := range rows {
		pb := new(marketproto.TickData)
		if err := proto.Unmarshal(row.Record, pb); err != nil {
			return nil, fmt.Errorf("unmarshal to marketproto.TickData: %w", err)
		}
		t, err := types.TickFromProto(*pb)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (s *Store) SaveTransaction(t *types.Transaction) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row := transactionRow{
			TraderID:          string(t.ID.TraderID),
			TransactionNumber: int64(t.ID.TransactionNumber),
			State:             uint32(t.State),
			Record:            mustEncode(t.ToRecord()),
		}
		if err := upsert(tx, &row); err != nil {
			return err
		}
		for i, p := range t.Payments {
			pr := paymentRow{
				TraderID:          row.TraderID,
				TransactionNumber: row.TransactionNumber,
				PaymentIndex:      i,
				Success:           p.Success,
				Record:            mustEncode(p.ToRecord()),
			}
			if err := upsert(tx, &pr); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadTransaction(id types.TransactionID) (*types.Transaction, error) {
	var row transactionRow
	err := s.db.Where("trader_id = ? AND transaction_number = ?", string(id.TraderID), int64(id.TransactionNumber)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return s.decodeTransaction(row)
}

func (s *Store) decodeTransaction(row transactionRow) (*types.Transaction, error) {
	pb := new(marketproto.TransactionRecord)
	if err := proto.Unmarshal(row.Record, pb); err != nil {
		return nil, fmt.Errorf("unmarshal to marketproto.TransactionRecord: %w", err)
	}
	var rows []paymentRow
	err := s.db.Where("trader_id = ? AND transaction_number = ?", row.TraderID, row.TransactionNumber).
		Order("payment_index").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	var payments []*types.Payment
	for _, pr := range rows {
		rec := new(marketproto.PaymentRecord)
		if err := proto.Unmarshal(pr.Record, rec); err != nil {
			return nil, fmt.Errorf("unmarshal to marketproto.PaymentRecord: %w", err)
		}
		p, err := types.PaymentFromRecord(rec)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return types.TransactionFromRecord(pb, payments)
}

func (s *Store) LoadTransactions() ([]*types.Transaction, error) {
	var rows []transactionRow
	if err := s.db.Order("trader_id, transaction_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := s.decodeTransaction(row)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (s *Store) SaveTrader(id types.TraderID, address string) error {
	return upsert(s.db, &traderRow{TraderID: string(id), Address: address})
}

func (s *Store) LoadTraders() (map[types.TraderID]string, error) {
	var rows []traderRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	traders := make(map[types.TraderID]string, len(rows))
	for _, row := range rows {
		traders[types.TraderID(row.TraderID)] = row.Address
	}
	return traders, nil
}

func (s *Store) NextOrderNumber() (uint64, error) {
	return s.next("order_counter")
}

func (s *Store) NextTransactionNumber() (uint64, error) {
	return s.next("transaction_counter")
}

func (s *Store) next(name string) (uint64, error) {
	var n int64
	err := s.db.Raw(`UPDATE meta SET value = value + 1 WHERE name = ? RETURNING value`, name).
		Scan(&n).Error
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("counter %s missing", name)
	}
	return uint64(n), nil
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// mustEncode proto encodes a proto.message and panics if fails
func mustEncode(pb proto.Message) []byte {
	bz, err := proto.Marshal(pb)
	if err != nil {
		panic(fmt.Errorf("unable to marshal: %w", err))
	}
	return bz
}
