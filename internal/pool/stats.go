// Package pool serves aggregate pool statistics: on-chain pool balance plus
// confirmed stake totals from the ledger, cached in Redis.
package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/stakepool/internal/ledger"
)

const (
	statsCacheKey = "pool:stats"
	statsCacheTTL = 60 * time.Second
)

// ChainReader is the slice of the oracle client the stats service needs.
type ChainReader interface {
	AccountBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Stats is the pool snapshot served to clients.
type Stats struct {
	PoolAddress  string          `json:"pool_address"`
	PoolBalance  decimal.Decimal `json:"pool_balance"`
	TotalStaked  decimal.Decimal `json:"total_staked"`
	Participants int             `json:"participants"`
	APY          float64         `json:"apy"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// Config for the stats service.
type Config struct {
	PoolAddress string
	APY         float64
}

type Service struct {
	store  ledger.Store
	chain  ChainReader
	cache  *redis.Client
	cfg    Config
	logger zerolog.Logger
}

func NewService(store ledger.Store, chain ChainReader, cache *redis.Client, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		chain:  chain,
		cache:  cache,
		cfg:    cfg,
		logger: logger.With().Str("component", "pool_stats").Logger(),
	}
}

// Stats returns the current snapshot, served from Redis when fresh. Cache
// trouble is logged and bypassed, never surfaced.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, statsCacheKey).Result()
		if err == nil {
			var stats Stats
			if json.Unmarshal([]byte(cached), &stats) == nil {
				return &stats, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn().Err(err).Msg("stats cache read failed")
		}
	}

	stats, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, statsCacheKey, payload, statsCacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("stats cache write failed")
			}
		}
	}
	return stats, nil
}

func (s *Service) compute(ctx context.Context) (*Stats, error) {
	total, participants, err := s.store.StakedTotals(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		PoolAddress:  s.cfg.PoolAddress,
		TotalStaked:  total,
		Participants: participants,
		APY:          s.cfg.APY,
		RecordedAt:   time.Now().UTC(),
	}

	// The on-chain balance is display-only; chain trouble degrades to zero
	// rather than failing the whole snapshot.
	if s.chain != nil && s.cfg.PoolAddress != "" {
		balance, err := s.chain.AccountBalance(ctx, s.cfg.PoolAddress)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read pool balance")
		} else {
			stats.PoolBalance = balance
		}
	}

	return stats, nil
}
