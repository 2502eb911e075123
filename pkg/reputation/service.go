package reputation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults for Config fields left zero.
const (
	defaultCacheSize = 128
	defaultMaxAge    = time.Hour
)

// refreshParallelism bounds concurrent chain reads during RefreshAll.
const refreshParallelism = 4

// History receives every computed snapshot. *store.Store satisfies it.
type History interface {
	AppendReputation(v any) error
}

// Config holds Service dependencies. OnChain, OffChain and
// Transactional may be nil; a nil source is a permanently unavailable
// layer. History may be nil to skip snapshot persistence.
type Config struct {
	OnChain       Source
	OffChain      Source
	Transactional Source
	History       History
	CacheSize     int
	MaxAge        time.Duration
	Log           *zap.Logger
}

// Service computes and caches reputation snapshots. Reads hit the cache;
// recomputation happens on miss, on expiry and on the refresh cadence
// via RefreshAll.
type Service struct {
	cfg   Config
	cache *lru.Cache
	log   *zap.Logger
}

// NewService returns a Service with an empty cache.
func NewService(cfg Config) (*Service, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, cache: cache, log: cfg.Log}, nil
}

// Snapshot returns the current view of addr, recomputing when the cache
// has nothing fresh.
func (s *Service) Snapshot(ctx context.Context, addr common.Address) Snapshot {
	if v, ok := s.cache.Get(addr); ok {
		snap := v.(Snapshot)
		if time.Since(snap.RefreshedAt) < s.cfg.MaxAge {
			return snap
		}
	}
	return s.Refresh(ctx, addr)
}

// Score implements the applicant selection interface: the composite of
// the current snapshot.
func (s *Service) Score(ctx context.Context, addr common.Address) float64 {
	return s.Snapshot(ctx, addr).Composite
}

// Refresh recomputes the snapshot for addr, caches it and appends it to
// the history log. Source failures degrade to unavailable layers.
func (s *Service) Refresh(ctx context.Context, addr common.Address) Snapshot {
	snap := Snapshot{
		Agent:         addr,
		OnChain:       s.layer(ctx, "on_chain", s.cfg.OnChain, addr),
		OffChain:      s.layer(ctx, "off_chain", s.cfg.OffChain, addr),
		Transactional: s.layer(ctx, "transactional", s.cfg.Transactional, addr),
		RefreshedAt:   time.Now().UTC(),
	}
	snap.Composite, snap.Confidence = Compose(snap.OnChain, snap.OffChain, snap.Transactional)
	snap.Tier = TierOf(snap.Composite)

	s.cache.Add(addr, snap)
	refreshCounter.Inc()
	compositeHistogram.Observe(snap.Composite)
	if s.cfg.History != nil {
		if err := s.cfg.History.AppendReputation(snap); err != nil {
			s.log.Warn("reputation history append failed", zap.Error(err))
		}
	}
	return snap
}

func (s *Service) layer(ctx context.Context, name string, src Source, addr common.Address) Layer {
	if src == nil {
		return Layer{}
	}
	l, err := src.Layer(ctx, addr)
	if err != nil {
		layerErrorCounter.WithLabelValues(name).Inc()
		s.log.Debug("reputation layer unavailable",
			zap.String("layer", name),
			zap.Stringer("agent", addr),
			zap.Error(err))
		return Layer{}
	}
	return l
}

// RefreshAll recomputes every given address with bounded parallelism.
// It stops early only on context cancellation.
func (s *Service) RefreshAll(ctx context.Context, addrs []common.Address) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallelism)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.Refresh(ctx, addr)
			return nil
		})
	}
	return g.Wait()
}

// Known lists the addresses currently cached, oldest first. The refresh
// cadence feeds it back into RefreshAll.
func (s *Service) Known() []common.Address {
	keys := s.cache.Keys()
	addrs := make([]common.Address, 0, len(keys))
	for _, k := range keys {
		addrs = append(addrs, k.(common.Address))
	}
	return addrs
}
