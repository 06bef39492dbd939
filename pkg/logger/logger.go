package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel "debug", "info", "warn", "error"，未知值按 info 处理
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
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

// Setup 初始化全局日志配置
// 控制台输出到 stderr，stdout 留给进度条和事件行
// logPath: 日志文件路径 (如果为空则只输出到控制台)
// 返回的 io.Closer 用于关闭日志文件
func Setup(levelStr string, logPath string) (io.Closer, error) {
	level := ParseLevel(levelStr)

	// 1. 控制台 Handler，非终端时关闭颜色
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		AddSource:  level == slog.LevelDebug,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	if logPath == "" {
		slog.SetDefault(slog.New(console))
		return nopCloser{}, nil
	}

	// 2. 文件 Handler (追加模式)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: level})

	slog.SetDefault(slog.New(NewMultiHandler(console, fileHandler)))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MultiHandler 把日志同时转发给多个 Handler
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle 某个 Handler 失败不影响其他 Handler，返回最后一个错误
func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if e := handler.Handle(ctx, r.Clone()); e != nil {
			err = e
		}
	}
	return err
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return NewMultiHandler(handlers...)
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return NewMultiHandler(handlers...)
}
