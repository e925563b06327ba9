package panelrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// HTTPFetcher 使用 HTTP 获取资源，非 2xx 视为失败
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// Fetch 实现 URLFetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %d", ErrFetchFailed, url, resp.StatusCode)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	// 多读一个字节以发现超限，超限按失败处理而不是截断
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if int64(len(body)) > limit {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFetchFailed, url, limit)
	}
	return string(body), nil
}

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
)

// GuardConfig 限流与熔断参数，零值使用默认
type GuardConfig struct {
	// RatePerSecond <= 0 表示不限流
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// MaxFailures 连续失败多少次后熔断
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// GuardedFetcher 为 URLFetcher 加上令牌桶限流与熔断。
// 面板打开时可能同时请求大量 source map，目标不可达时快速失败。
type GuardedFetcher struct {
	inner   URLFetcher
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
}

// NewGuardedFetcher 包装 inner
func NewGuardedFetcher(inner URLFetcher, cfg GuardConfig, logger *slog.Logger) *GuardedFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}

	g := &GuardedFetcher{inner: inner}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "fetch",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("fetch breaker state change", "from", from.String(), "to", to.String())
		},
		// 取消不算目标故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return g
}

// Fetch 实现 URLFetcher
func (g *GuardedFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
	}
	content, err := g.breaker.Execute(func() (string, error) {
		return g.inner.Fetch(ctx, url)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return content, err
}

// State 返回熔断器状态
func (g *GuardedFetcher) State() gobreaker.State {
	return g.breaker.State()
}
