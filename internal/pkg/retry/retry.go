// Package retry 提供可复用的重试策略（指数退避 + 抖动）。
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Operation 单次尝试，attempt 从 0 开始。
type Operation func(ctx context.Context, attempt int) error

// Policy 重试策略。
//
// 第 n 次重试前等待 BaseDelay × 2^n，再叠加 ±Jitter 比例的随机抖动，
// 不超过 MaxDelay。RetryAfter 返回的建议等待时间更长时以其为准，同样受 MaxDelay 约束。
type Policy struct {
	MaxRetries int           // 最大重试次数（不含首次尝试）
	BaseDelay  time.Duration // 基础延迟
	MaxDelay   time.Duration // 单次等待上限，0 表示不限
	Jitter     float64       // 抖动比例 [0,1]

	Retryable  func(err error) bool          // 为空时所有错误都重试
	RetryAfter func(err error) time.Duration // 可选：上游建议的等待时间
	OnRetry    func(attempt int, delay time.Duration, err error)
}

// Backoff 返回第 attempt 次失败后的等待时间。
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if limit := float64(p.MaxDelay); p.MaxDelay > 0 && delay > limit {
		delay = limit
	}
	if j := clampJitter(p.Jitter); j > 0 {
		delay *= 1 + j*(2*rand.Float64()-1)
	}
	return p.capDelay(delay)
}

// maxDuration 是 time.Duration 能表示的最大值，float64 超过它时转换会溢出为负数。
const maxDuration = time.Duration(math.MaxInt64)

func (p Policy) capDelay(delay float64) time.Duration {
	if math.IsNaN(delay) || delay <= 0 {
		return 0
	}
	limit := maxDuration
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}
	if delay >= float64(limit) {
		return limit
	}
	return time.Duration(delay)
}

// Do 执行 op，失败时按策略重试。
//
// 返回实际尝试次数与最后一次错误。错误不可重试、次数用尽或 ctx 结束时停止；
// ctx 在等待期间结束时返回最后一次尝试的错误。
func (p Policy) Do(ctx context.Context, op Operation) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if attempt >= p.MaxRetries || ctx.Err() != nil {
			return attempt + 1, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt + 1, err
		}

		delay := p.Backoff(attempt)
		if p.RetryAfter != nil {
			if ra := p.RetryAfter(err); ra > delay {
				delay = p.capDelay(float64(ra))
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if !sleep(ctx, delay) {
			return attempt + 1, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}
