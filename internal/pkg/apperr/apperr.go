// Package apperr 定义采集与分类流水线的错误分类。
//
// 网络、超时、限流错误可重试；校验、分类错误只影响单条数据；
// 只有配置错误在启动时是致命的。
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind 错误类别。
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindRateLimit
	KindValidation
	KindClassification
	KindConfiguration
)

// String 返回用于日志和 metrics 的类别名。
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindClassification:
		return "classification"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// MarshalText 使 Kind 在 JSON 中以字符串输出。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出，未知名称解析为 KindUnknown。
func (k *Kind) UnmarshalText(b []byte) error {
	*k = KindUnknown
	for c := KindNetwork; c <= KindConfiguration; c++ {
		if c.String() == string(b) {
			*k = c
			break
		}
	}
	return nil
}

// NetworkError 传输层失败或上游 5xx。
type NetworkError struct {
	Source string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s): %v", e.Source, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError 单次请求或整体调用超时。
type TimeoutError struct {
	Source  string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("timeout after %s (%s): %v", e.Timeout, e.Source, e.Err)
	}
	return fmt.Sprintf("timeout (%s): %v", e.Source, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RateLimitError 上游限流（如 HTTP 429），RetryAfter 为建议等待时间。
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s, retry after %s): %v", e.Source, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ValidationError 单条商品未通过校验。
type ValidationError struct {
	ListingID   string
	Marketplace string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("listing %s/%s dropped: %s", e.Marketplace, e.ListingID, e.Reason)
}

// ClassificationError 单条分类失败。
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return "classification failed: " + e.Reason
}

// ConfigurationError 配置非法，启动时致命。
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// KindOf 判断错误类别。
//
// 先匹配类型化错误，再匹配 context 错误，最后按错误信息关键字归类，
// 用于兜底处理适配器返回的未类型化错误。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var (
		netErr *NetworkError
		toErr  *TimeoutError
		rlErr  *RateLimitError
		valErr *ValidationError
		clsErr *ClassificationError
		cfgErr *ConfigurationError
	)
	switch {
	case errors.As(err, &rlErr):
		return KindRateLimit
	case errors.As(err, &toErr):
		return KindTimeout
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &clsErr):
		return KindClassification
	case errors.As(err, &cfgErr):
		return KindConfiguration
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())

	for _, kw := range []string{"429", "too many requests", "rate limit", "throttl"} {
		if strings.Contains(msg, kw) {
			return KindRateLimit
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out") {
		return KindTimeout
	}
	for _, kw := range []string{"connection", "no such host", "eof", "broken pipe", "502", "503", "504"} {
		if strings.Contains(msg, kw) {
			return KindNetwork
		}
	}
	return KindUnknown
}

// Retryable 判断错误是否应按重试策略重试。
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// RetryAfter 返回限流错误建议的等待时间，其他错误返回 0。
func RetryAfter(err error) time.Duration {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}
	return 0
}
