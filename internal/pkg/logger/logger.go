package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建输出到 stdout 的 JSON 日志记录器。
func NewDefault(level string) *slog.Logger {
	return New("prod", level)
}

// New 根据运行环境创建日志记录器。
//
// local 环境使用文本格式便于阅读，其余环境输出 JSON。
func New(env string, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, env, level)
}

// NewWithWriter 创建写入指定 writer 的日志记录器。
func NewWithWriter(w io.Writer, env string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(env, "local") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard 返回丢弃所有输出的日志记录器，用于可选依赖为空时。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard 在 l 为 nil 时返回 Discard()。
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// ParseLevel 解析日志级别字符串，无法识别时返回 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
