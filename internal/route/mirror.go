package route

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	probeTimeout  = 3 * time.Second
	selectionTTL  = 5 * time.Minute
	selectionSize = 16
)

// MirrorSelector picks the fastest responding mirror. Selections are cached
// for a short TTL and concurrent probes of the same mirror set are coalesced.
type MirrorSelector struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	cache   *expirable.LRU[string, string]
	group   singleflight.Group
}

// NewMirrorSelector creates a MirrorSelector.
func NewMirrorSelector(logger *slog.Logger) *MirrorSelector {
	return &MirrorSelector{
		client:  &http.Client{},
		logger:  logger.With("component", "mirror_selector"),
		timeout: probeTimeout,
		cache:   expirable.NewLRU[string, string](selectionSize, nil, selectionTTL),
	}
}

// Select returns the lowest-latency mirror that answered its probe, or the
// first candidate when none did.
func (s *MirrorSelector) Select(ctx context.Context, protocol string, mirrors []string) string {
	if len(mirrors) == 0 {
		return ""
	}
	if len(mirrors) == 1 {
		return mirrors[0]
	}

	key := protocol + "|" + strings.Join(mirrors, ",")
	if host, ok := s.cache.Get(key); ok {
		return host
	}

	// The probe outlives any single caller; one client disconnecting must not
	// cancel the shared result.
	probeCtx := context.WithoutCancel(ctx)
	v, _, _ := s.group.Do(key, func() (any, error) {
		if host, ok := s.cache.Get(key); ok {
			return host, nil
		}
		host := s.probeAll(probeCtx, protocol, mirrors)
		s.cache.Add(key, host)
		return host, nil
	})
	return v.(string)
}

func (s *MirrorSelector) probeAll(ctx context.Context, protocol string, mirrors []string) string {
	latencies := make([]time.Duration, len(mirrors))

	var g errgroup.Group
	for i, m := range mirrors {
		g.Go(func() error {
			latencies[i] = s.probe(ctx, protocol, m)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i, l := range latencies {
		if l < 0 {
			continue
		}
		if best < 0 || l < latencies[best] {
			best = i
		}
	}
	if best < 0 {
		s.logger.Warn("no mirror responded; using first candidate", "mirror", mirrors[0])
		return mirrors[0]
	}

	s.logger.Info("selected mirror",
		"mirror", mirrors[best],
		"latency_ms", latencies[best].Milliseconds(),
	)
	return mirrors[best]
}

// probe returns the round-trip latency of GET /v2/ on mirror, or -1 when the
// mirror did not answer with a status below 500 within the timeout.
func (s *MirrorSelector) probe(ctx context.Context, protocol, mirror string) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, protocol+"://"+mirror+"/v2/", http.NoBody)
	if err != nil {
		return -1
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("mirror probe failed", "mirror", mirror, "err", err)
		return -1
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		s.logger.Debug("mirror probe failed", "mirror", mirror, "status", resp.StatusCode)
		return -1
	}
	return time.Since(start)
}
