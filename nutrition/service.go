package nutrition

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/nutriscan/nutriscan/logging"
)

const defaultBatchConcurrency = 4

// ServiceOptions tune a Service.
type ServiceOptions struct {
	// TTL of cached analyses; DefaultCacheTTL when zero.
	TTL time.Duration
	// Concurrency bounds AnalyzeBatch; 4 when zero.
	Concurrency int
	Clock       clock.Clock
}

// Service answers from the cache, then the primary advisor, then the fallback table.
type Service struct {
	primary     Advisor
	fallback    *Fallback
	cache       Cache
	ttl         time.Duration
	concurrency int
	logger      logging.Logger
}

// NewService returns a Service. primary may be nil, in which case every answer comes from the
// fallback table; cache may be nil, in which case a MemoryCache is used.
func NewService(primary Advisor, cache Cache, opts ServiceOptions, logger logging.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultBatchConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if cache == nil {
		cache = NewMemoryCache(opts.Clock)
	}
	return &Service{
		primary:     primary,
		fallback:    NewFallback(opts.Clock),
		cache:       cache,
		ttl:         opts.TTL,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
}

// CacheKey is the cache key of food in lang.
func CacheKey(food, lang string) string {
	return "nutrition_" + food + "_" + lang
}

// Analyze implements Advisor. It only fails when ctx is done.
func (s *Service) Analyze(ctx context.Context, food, lang string) (Info, error) {
	lang = NormalizeLanguage(lang)
	key := CacheKey(food, lang)
	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warnw("nutrition cache lookup failed", "key", key, "error", err)
	}
	if ok {
		cached.Source = SourceCache
		return cached, nil
	}

	if s.primary != nil {
		info, err := s.primary.Analyze(ctx, food, lang)
		if err == nil {
			if err := s.cache.Set(ctx, key, info, s.ttl); err != nil {
				s.logger.Warnw("could not cache nutrition analysis", "key", key, "error", err)
			}
			return info, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Info{}, ctxErr
		}
		s.logger.Warnw("nutrition analysis failed, using fallback data", "food", food, "error", err)
	}
	return s.fallback.Analyze(ctx, food, lang)
}

// AnalyzeBatch analyzes every distinct food concurrently and returns the answers by food name.
func (s *Service) AnalyzeBatch(ctx context.Context, foods []string, lang string) (map[string]Info, error) {
	foods = lo.Uniq(foods)
	s.logger.Infow("analyzing nutrition", "foods", len(foods), "language", NormalizeLanguage(lang))

	var mu sync.Mutex
	out := make(map[string]Info, len(foods))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, food := range foods {
		g.Go(func() error {
			info, err := s.Analyze(gctx, food, lang)
			if err != nil {
				return err
			}
			mu.Lock()
			out[food] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearCache drops every cached analysis.
func (s *Service) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.logger.Info("nutrition cache cleared")
	return nil
}

// CacheStats describes the cache.
func (s *Service) CacheStats(ctx context.Context) (CacheStats, error) {
	st, err := s.cache.Stats(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	st.TTL = s.ttl.String()
	return st, nil
}

// TestConnection checks the primary advisor when it supports it.
func (s *Service) TestConnection(ctx context.Context) ConnectionStatus {
	tester, ok := s.primary.(Tester)
	if !ok {
		return ConnectionStatus{Success: false, Error: ErrNoAPIKey.Error()}
	}
	return tester.TestConnection(ctx)
}

// Close releases the cache.
func (s *Service) Close() error {
	return s.cache.Close()
}
