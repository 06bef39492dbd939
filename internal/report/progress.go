// Package report 负责把同步过程输出给用户：进度条和逐文件的事件行
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/mattn/go-isatty"

	syncer "storagecopy/internal/sync"
)

// Bar 终端进度条，每次 Advance 用 \r 重绘同一行
type Bar struct {
	mu    sync.Mutex
	out   io.Writer
	model progress.Model
	total int
	done  int
}

// NewBar 创建写到 out 的进度条
func NewBar(out io.Writer) *Bar {
	return &Bar{
		out:   out,
		model: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// NewProgress out 是终端时返回进度条，否则返回静默实现
func NewProgress(out *os.File) syncer.Progress {
	if !isatty.IsTerminal(out.Fd()) && !isatty.IsCygwinTerminal(out.Fd()) {
		return Silent{}
	}
	return NewBar(out)
}

func (b *Bar) Start(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = total
	b.done = 0
	b.render()
}

func (b *Bar) Advance() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done < b.total {
		b.done++
	}
	b.render()
}

func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = b.total
	b.render()
	fmt.Fprintln(b.out)
}

// percent 空任务视为已完成
func (b *Bar) percent() float64 {
	if b.total == 0 {
		return 1
	}
	return float64(b.done) / float64(b.total)
}

func (b *Bar) render() {
	fmt.Fprintf(b.out, "\r%s %d/%d", b.model.ViewAs(b.percent()), b.done, b.total)
}

// Silent 不输出任何内容
type Silent struct{}

func (Silent) Start(int) {}
func (Silent) Advance()  {}
func (Silent) Finish()   {}

var (
	_ syncer.Progress = (*Bar)(nil)
	_ syncer.Progress = Silent{}
)
