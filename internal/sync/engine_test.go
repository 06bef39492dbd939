package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storefs "storagecopy/internal/fs"
	"storagecopy/internal/fs/local"
	"storagecopy/internal/fs/memory"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Line())
	}
	return out
}

type countingProgress struct {
	mu       sync.Mutex
	total    int
	advanced int
	finished bool
}

func (p *countingProgress) Start(total int) { p.total = total }
func (p *countingProgress) Advance() {
	p.mu.Lock()
	p.advanced++
	p.mu.Unlock()
}
func (p *countingProgress) Finish() { p.finished = true }

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// scenarioStores source = [a.txt, b.css], dest = [b.css, c.txt]
func scenarioStores() (*memory.Adapter, *memory.Adapter) {
	src := memory.NewAdapter("source")
	src.Put("a.txt", []byte("alpha"), baseTime, storefs.VisibilityPublic)
	src.Put("b.css", []byte("body{color:red}"), baseTime, storefs.VisibilityPublic)

	dst := memory.NewAdapter("destination")
	dst.Put("b.css", []byte("body{}"), baseTime, storefs.VisibilityPrivate)
	dst.Put("c.txt", []byte("stale"), baseTime, storefs.VisibilityPrivate)
	return src, dst
}

func newTestEngine(src, dst storefs.FileSystem, policy Policy, workers int) (*Engine, *recordingSink, *countingProgress) {
	sink := &recordingSink{}
	progress := &countingProgress{}
	e := NewEngine(&EngineOptions{
		Source:      src,
		Destination: dst,
		Policy:      policy,
		MaxWorkers:  workers,
		Events:      sink,
		Progress:    progress,
	})
	return e, sink, progress
}

func TestEngine_ScenarioDeleteSkip(t *testing.T) {
	src, dst := scenarioStores()
	e, sink, progress := newTestEngine(src, dst, Policy{DeleteOrphans: true, PropagateVisibility: true}, 1)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Done! 1 files copied, 1 files skipped, 1 files deleted.", stats.Summary())
	assert.Equal(t, []string{"a.txt"}, stats.CopiedPaths)
	assert.Equal(t, []string{"b.css"}, stats.SkippedPaths)
	assert.Equal(t, []string{"c.txt"}, stats.DeletedPaths)
	assert.Equal(t, int64(5), stats.BytesCopied)
	assert.False(t, stats.Aborted)
	assert.NotEmpty(t, stats.RunID)

	assert.Equal(t, []string{"DELETED: c.txt", "COPIED: a.txt", "SKIPPED: b.css"}, sink.lines())
	assert.Equal(t, 3, progress.total)
	assert.Equal(t, 3, progress.advanced)
	assert.True(t, progress.finished)

	_, _, ok := dst.Get("c.txt")
	assert.False(t, ok)
	data, _, ok := dst.Get("b.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", string(data), "skipped file content must not change")
}

func TestEngine_ScenarioOverwrite(t *testing.T) {
	src, dst := scenarioStores()
	e, _, _ := newTestEngine(src, dst, Policy{DeleteOrphans: true, OverwriteExisting: true, PropagateVisibility: true}, 1)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Done! 2 files copied, 0 files skipped, 1 files deleted.", stats.Summary())

	data, meta, ok := dst.Get("b.css")
	require.True(t, ok)
	assert.Equal(t, "body{color:red}", string(data))
	assert.Equal(t, "text/css", meta.MimeType)
	assert.Equal(t, storefs.VisibilityPublic, meta.Visibility)
	assert.True(t, meta.ModTime.Equal(baseTime))
}

func TestEngine_NoDeleteKeepsOrphans(t *testing.T) {
	src, dst := scenarioStores()
	e, _, progress := newTestEngine(src, dst, Policy{}, 2)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 2, progress.total)
	assert.Equal(t, 0, dst.Calls(memory.OpDelete))
	_, _, ok := dst.Get("c.txt")
	assert.True(t, ok)
}

func TestEngine_Idempotent(t *testing.T) {
	src := memory.NewAdapter("source")
	for i := 0; i < 20; i++ {
		src.Put(fmt.Sprintf("dir/file-%02d.txt", i), []byte("content"), baseTime, storefs.VisibilityPublic)
	}
	dst := memory.NewAdapter("destination")

	e, _, _ := newTestEngine(src, dst, Policy{PropagateVisibility: true}, 4)
	first, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, first.Copied)

	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Copied)
	assert.Equal(t, 20, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestEngine_FilterOnlyTouchesMatches(t *testing.T) {
	src := memory.NewAdapter("source")
	for _, p := range []string{"a.txt", "b.css", "c.css.bak"} {
		src.Put(p, []byte(p), baseTime, storefs.VisibilityPublic)
	}
	dst := memory.NewAdapter("destination")
	dst.Put("orphan.txt", []byte("x"), baseTime, storefs.VisibilityPublic)

	filter, err := NewPathFilter(`\.css$`)
	require.NoError(t, err)
	e, sink, progress := newTestEngine(src, dst, Policy{Filter: filter, DeleteOrphans: true}, 1)

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.css"}, stats.CopiedPaths)
	assert.Equal(t, 0, stats.Skipped)
	// 过滤不影响孤儿删除
	assert.Equal(t, []string{"orphan.txt"}, stats.DeletedPaths)
	assert.Equal(t, []string{"DELETED: orphan.txt", "COPIED: b.css"}, sink.lines())
	assert.Equal(t, progress.total, progress.advanced)

	_, _, ok := dst.Get("a.txt")
	assert.False(t, ok)
	_, _, ok = dst.Get("c.css.bak")
	assert.False(t, ok)
}

func TestEngine_TimeBased(t *testing.T) {
	src := memory.NewAdapter("source")
	src.Put("same.txt", []byte("src"), baseTime, storefs.VisibilityPublic)
	src.Put("newer.txt", []byte("src"), baseTime.Add(time.Minute), storefs.VisibilityPublic)
	src.Put("older.txt", []byte("src"), baseTime.Add(-time.Minute), storefs.VisibilityPublic)

	dst := memory.NewAdapter("destination")
	for _, p := range []string{"same.txt", "newer.txt", "older.txt"} {
		dst.Put(p, []byte("dst"), baseTime, storefs.VisibilityPublic)
	}

	e, _, _ := newTestEngine(src, dst, Policy{ConflictMode: ConflictTimeBased}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"newer.txt"}, stats.CopiedPaths)
	assert.ElementsMatch(t, []string{"same.txt", "older.txt"}, stats.SkippedPaths)

	data, _, _ := dst.Get("same.txt")
	assert.Equal(t, "dst", string(data))
}

func TestEngine_SkipPropagatesVisibility(t *testing.T) {
	src, dst := scenarioStores()

	e, _, _ := newTestEngine(src, dst, Policy{PropagateVisibility: true}, 1)
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	_, meta, _ := dst.Get("b.css")
	assert.Equal(t, storefs.VisibilityPublic, meta.Visibility)
	assert.Equal(t, 1, dst.Calls(memory.OpSetVisibility))
}

func TestEngine_NoVisibility(t *testing.T) {
	src, dst := scenarioStores()

	e, _, _ := newTestEngine(src, dst, Policy{PropagateVisibility: false}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, dst.Calls(memory.OpSetVisibility))

	_, skipped, _ := dst.Get("b.css")
	assert.Equal(t, storefs.VisibilityPrivate, skipped.Visibility)

	// 写入时可见性为空，由目标存储使用默认值
	_, copied, _ := dst.Get("a.txt")
	assert.Equal(t, storefs.VisibilityPrivate, copied.Visibility)
}

func TestEngine_PerFileFailuresAreRecovered(t *testing.T) {
	src := memory.NewAdapter("source")
	for _, p := range []string{"a.txt", "b.txt", "c.txt"} {
		src.Put(p, []byte(p), baseTime, storefs.VisibilityPublic)
	}
	dst := memory.NewAdapter("destination")
	dst.Put("orphan-bad", []byte("x"), baseTime, storefs.VisibilityPublic)

	quota := errors.New("quota exceeded")
	dst.Fault = func(op memory.Op, relPath string) error {
		switch {
		case op == memory.OpWrite && relPath == "b.txt":
			return quota
		case op == memory.OpDelete && relPath == "orphan-bad":
			return errors.New("permission denied")
		}
		return nil
	}

	e, sink, progress := newTestEngine(src, dst, Policy{DeleteOrphans: true}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Done! 2 files copied, 0 files skipped, 0 files deleted.", stats.Summary())
	assert.Equal(t, 2, stats.Failed)
	require.Len(t, stats.Failures, 2)
	assert.Equal(t, ActionDelete, stats.Failures[0].Action)
	assert.Equal(t, "orphan-bad", stats.Failures[0].Path)
	assert.Equal(t, ActionCopy, stats.Failures[1].Action)
	assert.ErrorIs(t, stats.Failures[1], quota)

	lines := sink.lines()
	assert.Contains(t, lines, "COPIED: a.txt")
	assert.Contains(t, lines, "COPIED: c.txt")
	assert.True(t, strings.HasPrefix(lines[0], "FAILED DELETE: orphan-bad"), lines[0])
	assert.Equal(t, 4, progress.advanced)
}

func TestEngine_VanishedSourceFile(t *testing.T) {
	src := memory.NewAdapter("source")
	src.Put("a.txt", []byte("a"), baseTime, storefs.VisibilityPublic)
	src.Put("gone.txt", []byte("g"), baseTime, storefs.VisibilityPublic)
	src.Fault = func(op memory.Op, relPath string) error {
		if op == memory.OpRead && relPath == "gone.txt" {
			return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
		}
		return nil
	}
	dst := memory.NewAdapter("destination")

	e, _, _ := newTestEngine(src, dst, Policy{}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Copied)
	require.Len(t, stats.Failures, 1)
	assert.ErrorIs(t, stats.Failures[0], ErrFileNotFound)
}

func TestEngine_OrphanAlreadyGoneCountsOnce(t *testing.T) {
	src := memory.NewAdapter("source")
	dst := memory.NewAdapter("destination")
	dst.Put("ghost.txt", []byte("x"), baseTime, storefs.VisibilityPublic)
	dst.Fault = func(op memory.Op, relPath string) error {
		if op == memory.OpDelete {
			return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
		}
		return nil
	}

	e, _, _ := newTestEngine(src, dst, Policy{DeleteOrphans: true}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 0, stats.Failed)
}

func TestEngine_ListingFailureIsFatal(t *testing.T) {
	src, dst := scenarioStores()
	dst.Fault = func(op memory.Op, _ string) error {
		if op == memory.OpList {
			return errors.New("connection refused")
		}
		return nil
	}

	e, _, progress := newTestEngine(src, dst, Policy{DeleteOrphans: true}, 1)
	stats, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "list destination", storeErr.Op)
	assert.Equal(t, 0, progress.total)
	assert.Equal(t, 0, dst.Calls(memory.OpDelete))
	assert.Equal(t, 0, dst.Calls(memory.OpWrite))
}

func TestEngine_StoreUnavailableFailsFast(t *testing.T) {
	src := memory.NewAdapter("source")
	for i := 0; i < 10; i++ {
		src.Put(fmt.Sprintf("f%02d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
	}
	dst := memory.NewAdapter("destination")
	dst.Fault = func(op memory.Op, relPath string) error {
		if op == memory.OpWrite && relPath == "f03" {
			return fmt.Errorf("bucket vanished: %w", storefs.ErrUnavailable)
		}
		return nil
	}

	e, _, _ := newTestEngine(src, dst, Policy{}, 1)
	stats, err := e.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	require.NotNil(t, stats)
	assert.True(t, stats.Aborted)
	assert.Equal(t, 3, stats.Copied)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 6, stats.Abandoned)
}

func TestEngine_ContextCanceled(t *testing.T) {
	src := memory.NewAdapter("source")
	for i := 0; i < 5; i++ {
		src.Put(fmt.Sprintf("f%02d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
	}
	dst := memory.NewAdapter("destination")

	ctx, cancel := context.WithCancel(context.Background())
	dst.Fault = func(op memory.Op, relPath string) error {
		if op == memory.OpWrite && relPath == "f01" {
			cancel()
		}
		return nil
	}

	e, _, _ := newTestEngine(src, dst, Policy{}, 1)
	stats, err := e.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, stats)
	assert.True(t, stats.Aborted)
	assert.Equal(t, 2, stats.Copied)
	assert.Equal(t, 3, stats.Abandoned)
}

func TestEngine_ParallelWorkersAggregateSafely(t *testing.T) {
	src := memory.NewAdapter("source")
	dst := memory.NewAdapter("destination")
	for i := 0; i < 200; i++ {
		p := fmt.Sprintf("f%03d.js", i)
		src.Put(p, []byte("let x = 1"), baseTime, storefs.VisibilityPublic)
		if i%2 == 0 {
			dst.Put(p, []byte("old"), baseTime, storefs.VisibilityPublic)
		}
		dst.Put(fmt.Sprintf("orphan%03d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
	}

	e, sink, progress := newTestEngine(src, dst, Policy{DeleteOrphans: true}, 8)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, stats.Copied)
	assert.Equal(t, 100, stats.Skipped)
	assert.Equal(t, 200, stats.Deleted)
	assert.Len(t, sink.lines(), 400)
	assert.Equal(t, 400, progress.total)
	assert.Equal(t, 400, progress.advanced)

	_, meta, _ := dst.Get("f001.js")
	assert.Equal(t, "text/javascript", meta.MimeType)
}

func TestEngine_EscapingKeyFailsOnlyThatFile(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "dest")
	require.NoError(t, os.MkdirAll(root, 0o755))

	src := memory.NewAdapter("source")
	src.Put("../escaped.txt", []byte("x"), baseTime, storefs.VisibilityPublic)
	src.Put("ok.txt", []byte("y"), baseTime, storefs.VisibilityPublic)

	e, _, _ := newTestEngine(src, local.NewAdapter(root, storefs.VisibilityUnknown), Policy{}, 1)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok.txt"}, stats.CopiedPaths)
	require.Len(t, stats.Failures, 1)
	assert.ErrorIs(t, stats.Failures[0], storefs.ErrInvalidPath)
	assert.NoFileExists(t, filepath.Join(base, "escaped.txt"))
}

func TestEngine_PathLogsAreOrdered(t *testing.T) {
	src := memory.NewAdapter("source")
	dst := memory.NewAdapter("destination")
	for i := 0; i < 60; i++ {
		src.Put(fmt.Sprintf("f%02d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
		if i%3 == 0 {
			dst.Put(fmt.Sprintf("f%02d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
		}
		dst.Put(fmt.Sprintf("orphan%02d", i), []byte("x"), baseTime, storefs.VisibilityPublic)
	}

	e, _, _ := newTestEngine(src, dst, Policy{DeleteOrphans: true}, 8)
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(stats.CopiedPaths), stats.CopiedPaths)
	assert.True(t, sort.StringsAreSorted(stats.SkippedPaths), stats.SkippedPaths)
	assert.True(t, sort.StringsAreSorted(stats.DeletedPaths), stats.DeletedPaths)
	assert.Len(t, stats.DeletedPaths, 60)
}

func TestCollector_ResultSortsCompletionOrder(t *testing.T) {
	c := newCollector("run", time.Now(), nopSink{}, nopProgress{})
	for _, p := range []string{"c", "a", "b"} {
		c.done(ActionCopy, p, 1)
		c.done(ActionDelete, "x"+p, 0)
	}
	c.fail(ActionCopy, "z", errors.New("boom"))
	c.fail(ActionDelete, "y", errors.New("boom"))
	c.fail(ActionCopy, "m", errors.New("boom"))

	s := c.result(9, false)
	assert.Equal(t, []string{"a", "b", "c"}, s.CopiedPaths)
	assert.Equal(t, []string{"xa", "xb", "xc"}, s.DeletedPaths)
	require.Len(t, s.Failures, 3)
	assert.Equal(t, "y", s.Failures[0].Path)
	assert.Equal(t, "m", s.Failures[1].Path)
	assert.Equal(t, "z", s.Failures[2].Path)
}
