package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

// Receipt acknowledges an appended record.
type Receipt struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
	// Duplicate is set when the record was already present.
	Duplicate bool `json:"-"`
}

// Ledger is an append-only record store.
type Ledger interface {
	Append(ctx context.Context, r Record) (Receipt, error)
}

// Entry is a stored record with its position in the hash chain.
type Entry struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
	Record   Record `json:"record"`
}

func chainHash(prev string, seq int64, r Record) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|", prev, seq, r.Type)
	h.Write(r.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func prepare(r Record) (string, error) {
	if err := Verify(r); err != nil {
		return "", err
	}
	return r.Key()
}

//----------------------------------------

// MemLedger keeps records in memory.
type MemLedger struct {
	mtx     sync.Mutex
	entries []Entry
	keys    map[string]int64
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{keys: make(map[string]int64)}
}

func (l *MemLedger) Append(ctx context.Context, r Record) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	key, err := prepare(r)
	if err != nil {
		return Receipt{}, err
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if seq, ok := l.keys[key]; ok {
		e := l.entries[seq-1]
		return Receipt{Sequence: e.Sequence, Hash: e.Hash, Duplicate: true}, nil
	}
	var prev string
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Hash
	}
	seq := int64(len(l.entries)) + 1
	e := Entry{Sequence: seq, PrevHash: prev, Hash: chainHash(prev, seq, r), Record: r}
	l.entries = append(l.entries, e)
	l.keys[key] = seq
	return Receipt{Sequence: seq, Hash: e.Hash}, nil
}

// Entries returns a copy of the stored entries.
func (l *MemLedger) Entries() []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Records returns the stored records of the given kind.
func (l *MemLedger) Records(kind Kind) []Record {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []Record
	for _, e := range l.entries {
		if e.Record.Type == kind {
			out = append(out, e.Record)
		}
	}
	return out
}

//----------------------------------------

const (
	// prefixes are unique across all ledger keys
	prefixEntry = int64(1)
	prefixKey   = int64(2)
	prefixHead  = int64(3)
)

func entryKey(seq int64) []byte {
	key, err := orderedcode.Append(nil, prefixEntry, seq)
	if err != nil {
		panic(err)
	}
	return key
}

func recordKey(k string) []byte {
	key, err := orderedcode.Append(nil, prefixKey, k)
	if err != nil {
		panic(err)
	}
	return key
}

func headKey() []byte {
	key, err := orderedcode.Append(nil, prefixHead)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeEntryKey(key []byte) (int64, error) {
	var prefix, seq int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &seq)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 || prefix != prefixEntry {
		return 0, fmt.Errorf("invalid entry key %x", key)
	}
	return seq, nil
}

// ErrChainBroken is returned by VerifyChain when an entry does not link to
// its predecessor.
var ErrChainBroken = errors.New("ledger hash chain broken")

// DBLedger is a hash-chained ledger persisted in a key-value database.
type DBLedger struct {
	mtx sync.Mutex
	db  dbm.DB
}

var _ Ledger = (*DBLedger)(nil)

func NewDBLedger(db dbm.DB) *DBLedger {
	return &DBLedger{db: db}
}

func (l *DBLedger) head() (Entry, error) {
	bz, err := l.db.Get(headKey())
	if err != nil || len(bz) == 0 {
		return Entry{}, err
	}
	return l.entry(bz)
}

func (l *DBLedger) entry(seqKey []byte) (Entry, error) {
	bz, err := l.db.Get(seqKey)
	if err != nil {
		return Entry{}, err
	}
	if len(bz) == 0 {
		return Entry{}, fmt.Errorf("missing ledger entry %x", seqKey)
	}
	var e Entry
	if err := json.Unmarshal(bz, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (l *DBLedger) Append(ctx context.Context, r Record) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	key, err := prepare(r)
	if err != nil {
		return Receipt{}, err
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	if bz, err := l.db.Get(recordKey(key)); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	} else if len(bz) > 0 {
		e, err := l.entry(bz)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
		}
		return Receipt{Sequence: e.Sequence, Hash: e.Hash, Duplicate: true}, nil
	}

	head, err := l.head()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	seq := head.Sequence + 1
	e := Entry{Sequence: seq, PrevHash: head.Hash, Hash: chainHash(head.Hash, seq, r), Record: r}
	bz, err := json.Marshal(e)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	ek := entryKey(seq)
	if err := batch.Set(ek, bz); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := batch.Set(recordKey(key), ek); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := batch.Set(headKey(), ek); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := batch.WriteSync(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return Receipt{Sequence: seq, Hash: e.Hash}, nil
}

// Iterate calls fn for every entry in sequence order until fn returns false.
func (l *DBLedger) Iterate(fn func(Entry) bool) error {
	start, err := orderedcode.Append(nil, prefixEntry, int64(0))
	if err != nil {
		return err
	}
	end, err := orderedcode.Append(nil, prefixEntry, orderedcode.Infinity)
	if err != nil {
		return err
	}
	iter, err := l.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		if _, err := decodeEntryKey(iter.Key()); err != nil {
			return err
		}
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}

// VerifyChain walks the ledger and checks that every entry hashes to its
// stored value and links to the previous one.
func (l *DBLedger) VerifyChain() (int64, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	var (
		prev     string
		expected int64 = 1
		chainErr error
	)
	err := l.Iterate(func(e Entry) bool {
		switch {
		case e.Sequence != expected:
			chainErr = fmt.Errorf("%w: sequence %d, expected %d", ErrChainBroken, e.Sequence, expected)
		case e.PrevHash != prev:
			chainErr = fmt.Errorf("%w: entry %d does not link to %d", ErrChainBroken, e.Sequence, expected-1)
		case chainHash(prev, e.Sequence, e.Record) != e.Hash:
			chainErr = fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Sequence)
		}
		if chainErr != nil {
			return false
		}
		prev = e.Hash
		expected++
		return true
	})
	if err != nil {
		return 0, err
	}
	return expected - 1, chainErr
}
