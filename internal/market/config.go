package market

import (
	"errors"
	"time"

	"github.com/tendermint/market/internal/matching"
	"github.com/tendermint/market/internal/settlement"
)

// Config holds the parameters of the market reactor.
type Config struct {
	// Matchmaker makes the reactor match remote ticks against each other and
	// send Match messages to their owners.
	Matchmaker bool
	// Address is the network address announced to peers in Info messages.
	Address string

	// BlockWindow is how long a counterparty stays excluded from matching
	// against the same order after a match.
	BlockWindow time.Duration
	// ProposalTimeout is how long a proposal or counter offer waits for an
	// answer before its reservation is released.
	ProposalTimeout time.Duration
	// SyncInterval is the period of order book anti-entropy and rematching.
	SyncInterval time.Duration
	// OrderRetention is how long terminal orders stay in memory.
	OrderRetention time.Duration
	// MaxSyncTicks caps the ticks sent in answer to one OrderbookSync.
	MaxSyncTicks int
	// SeenCacheSize is the number of message headers remembered for
	// duplicate suppression.
	SeenCacheSize int

	Settlement settlement.Config
}

// DefaultConfig returns the default reactor configuration.
func DefaultConfig() Config {
	return Config{
		BlockWindow:     matching.DefaultBlockWindow,
		ProposalTimeout: 20 * time.Second,
		SyncInterval:    30 * time.Second,
		OrderRetention:  time.Hour,
		MaxSyncTicks:    200,
		SeenCacheSize:   10000,
		Settlement:      settlement.DefaultConfig(),
	}
}

// ValidateBasic performs basic validation.
func (cfg Config) ValidateBasic() error {
	switch {
	case cfg.BlockWindow <= 0:
		return errors.New("block window must be positive")
	case cfg.ProposalTimeout <= 0:
		return errors.New("proposal timeout must be positive")
	case cfg.SyncInterval <= 0:
		return errors.New("sync interval must be positive")
	case cfg.OrderRetention < 0:
		return errors.New("order retention can't be negative")
	case cfg.MaxSyncTicks <= 0:
		return errors.New("max sync ticks must be positive")
	case cfg.SeenCacheSize <= 0:
		return errors.New("seen cache size must be positive")
	case cfg.Settlement.FirstPaymentSize <= 0:
		return errors.New("first payment size must be positive")
	case cfg.Settlement.Deadline < 0:
		return errors.New("transaction deadline can't be negative")
	}
	return nil
}
