package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats 一次同步的结果
// 汇总行只统计成功完成的动作，失败的文件记录在 Failures 中
type Stats struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration

	Copied  int
	Skipped int
	Deleted int
	Failed  int

	CopiedPaths  []string
	SkippedPaths []string
	DeletedPaths []string
	Failures     []*FileError

	BytesCopied int64

	// Aborted 为 true 时 Abandoned 是未处理就被放弃的路径数
	Aborted   bool
	Abandoned int
}

// Summary 返回最终汇总行
func (s *Stats) Summary() string {
	return fmt.Sprintf("Done! %d files copied, %d files skipped, %d files deleted.", s.Copied, s.Skipped, s.Deleted)
}

// collector 在同步期间独占 Stats，所有更新和事件发送都在同一把锁下完成
type collector struct {
	mu       sync.Mutex
	stats    Stats
	ignored  int
	events   EventSink
	progress Progress
}

func newCollector(runID string, startedAt time.Time, events EventSink, progress Progress) *collector {
	return &collector{
		stats:    Stats{RunID: runID, StartedAt: startedAt},
		events:   events,
		progress: progress,
	}
}

// done 记录一个成功的动作
func (c *collector) done(action Action, relPath string, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case ActionCopy:
		c.stats.Copied++
		c.stats.CopiedPaths = append(c.stats.CopiedPaths, relPath)
		c.stats.BytesCopied += bytes
	case ActionSkip:
		c.stats.Skipped++
		c.stats.SkippedPaths = append(c.stats.SkippedPaths, relPath)
	case ActionDelete:
		c.stats.Deleted++
		c.stats.DeletedPaths = append(c.stats.DeletedPaths, relPath)
	case ActionIgnore:
		c.ignored++
		c.progress.Advance()
		return
	}
	c.events.Record(Event{Action: action, Path: relPath})
	c.progress.Advance()
}

// fail 记录一个失败的动作，不计入成功类别
func (c *collector) fail(action Action, relPath string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Failed++
	c.stats.Failures = append(c.stats.Failures, &FileError{Action: action, Path: relPath, Err: err})
	c.events.Record(Event{Action: action, Path: relPath, Err: err})
	c.progress.Advance()
}

// result 返回结果副本，total 为本次应处理的路径总数
// 并发完成的顺序不固定，路径列表和失败列表按路径排序后返回
func (c *collector) result(total int, aborted bool) *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.CopiedPaths = sortedCopy(c.stats.CopiedPaths)
	s.SkippedPaths = sortedCopy(c.stats.SkippedPaths)
	s.DeletedPaths = sortedCopy(c.stats.DeletedPaths)
	s.Failures = append([]*FileError(nil), c.stats.Failures...)
	// 删除失败在前，与执行阶段一致
	sort.SliceStable(s.Failures, func(i, j int) bool {
		a, b := s.Failures[i], s.Failures[j]
		if (a.Action == ActionDelete) != (b.Action == ActionDelete) {
			return a.Action == ActionDelete
		}
		return a.Path < b.Path
	})
	s.Duration = time.Since(s.StartedAt)
	s.Aborted = aborted
	if aborted {
		s.Abandoned = total - (s.Copied + s.Skipped + s.Deleted + s.Failed + c.ignored)
	}
	return &s
}

func sortedCopy(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}
