package report

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	syncer "storagecopy/internal/sync"
)

// ConsoleSink 把每个事件作为独立一行写到控制台 (--output)
// 行首的换行符把事件和进度条分开
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

func (s *ConsoleSink) Record(ev syncer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "\n%s", ev.Line())
}

// LogSink 把事件写入日志 (--log)
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logger 为 nil 时使用默认 logger
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ev syncer.Event) {
	if ev.Err != nil {
		s.logger.Warn(ev.Line())
		return
	}
	s.logger.Info(ev.Line())
}

// MultiSink 把事件依次转发给多个 sink
type MultiSink []syncer.EventSink

// Sinks 过滤掉 nil，没有任何 sink 时返回 nil
func Sinks(sinks ...syncer.EventSink) syncer.EventSink {
	var out MultiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (m MultiSink) Record(ev syncer.Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

var (
	_ syncer.EventSink = (*ConsoleSink)(nil)
	_ syncer.EventSink = (*LogSink)(nil)
	_ syncer.EventSink = MultiSink(nil)
)
