package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	storefs "storagecopy/internal/fs"
)

// EngineOptions 初始化选项
type EngineOptions struct {
	Source          storefs.FileSystem
	Destination     storefs.FileSystem
	SourceName      string
	DestinationName string
	Policy          Policy
	MaxWorkers      int
	ContentTypes    *ContentTypeResolver
	Progress        Progress
	Events          EventSink
}

// Engine 单向同步引擎：源存储为准，目标存储被更新
type Engine struct {
	opts *EngineOptions
}

// NewEngine 补全默认值
func NewEngine(opts *EngineOptions) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	if opts.ContentTypes == nil {
		opts.ContentTypes = NewContentTypeResolver()
	}
	if opts.Progress == nil {
		opts.Progress = nopProgress{}
	}
	if opts.Events == nil {
		opts.Events = nopSink{}
	}
	if opts.SourceName == "" {
		opts.SourceName = opts.Source.Root()
	}
	if opts.DestinationName == "" {
		opts.DestinationName = opts.Destination.Root()
	}
	return &Engine{opts: opts}
}

// run 一次同步的状态，每次 Run 重新创建
type run struct {
	opts   *EngineOptions
	col    *collector
	log    *slog.Logger
	cancel context.CancelCauseFunc

	source *Listing
	dest   *Listing
}

// Run 执行一次完整的同步
//
// 只有致命错误才返回 error：列举失败、存储不可用导致的快速失败、外部取消。
// 取消时仍然返回 Stats，其中 Aborted 为 true。
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	runID := uuid.NewString()
	startedAt := time.Now()
	logger := slog.With("run", runID)

	// 1. 获取两边的快照 (并发获取以加速)，之后所有决策都基于快照
	var sourcePaths, destPaths []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if sourcePaths, err = e.opts.Source.ListAll(gctx); err != nil {
			return &StoreError{Store: e.opts.SourceName, Op: "list source", Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if destPaths, err = e.opts.Destination.ListAll(gctx); err != nil {
			return &StoreError{Store: e.opts.DestinationName, Op: "list destination", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{
		opts:   e.opts,
		col:    newCollector(runID, startedAt, e.opts.Events, e.opts.Progress),
		log:    logger,
		cancel: cancel,
		source: NewListing(sourcePaths),
		dest:   NewListing(destPaths),
	}

	var orphans []string
	if e.opts.Policy.DeleteOrphans {
		orphans = ComputeOrphans(r.source, r.dest)
	}
	total := r.source.Len() + len(orphans)

	logger.Info("同步检查完成",
		"source", e.opts.SourceName,
		"destination", e.opts.DestinationName,
		"source_files", r.source.Len(),
		"destination_files", r.dest.Len(),
		"orphans", len(orphans),
		"filter", e.opts.Policy.Filter.String(),
		"conflict_mode", e.opts.Policy.ConflictMode,
	)

	e.opts.Progress.Start(total)

	// 2. 删除孤儿文件，两个阶段按顺序执行
	r.runPool(runCtx, orphans, r.deleteOrphan)

	// 3. 按源快照顺序处理每个文件
	r.runPool(runCtx, r.source.Paths(), r.syncFile)

	e.opts.Progress.Finish()

	cause := context.Cause(runCtx)
	stats := r.col.result(total, cause != nil)

	logger.Info("同步结束",
		"copied", stats.Copied,
		"skipped", stats.Skipped,
		"deleted", stats.Deleted,
		"failed", stats.Failed,
		"transferred", humanize.Bytes(uint64(stats.BytesCopied)),
		"duration", stats.Duration.Round(time.Millisecond),
	)

	if cause != nil {
		logger.Warn("同步被中断", "abandoned", stats.Abandoned, "cause", cause)
		return stats, fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	return stats, nil
}

// runPool 启动 Worker 池处理路径，取消后剩余路径被放弃
func (r *run) runPool(ctx context.Context, paths []string, fn func(context.Context, string)) {
	if len(paths) == 0 {
		return
	}

	taskChan := make(chan string, len(paths))
	for _, p := range paths {
		taskChan <- p
	}
	close(taskChan)

	workers := min(r.opts.MaxWorkers, len(paths))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range taskChan {
				// 检查上下文是否取消
				select {
				case <-ctx.Done():
					return
				default:
				}
				fn(ctx, p)
			}
		}()
	}
	wg.Wait()
}

// failed 记录失败；存储不可用时触发快速失败，取消期间的错误视为放弃
func (r *run) failed(ctx context.Context, action Action, relPath string, err error) {
	if ctx.Err() != nil {
		return
	}
	r.log.Error("任务失败", "op", action, "path", relPath, "err", err)
	r.col.fail(action, relPath, err)
	if errors.Is(err, storefs.ErrUnavailable) {
		r.cancel(&StoreError{Store: r.storeFor(action), Op: action.String(), Err: err})
	}
}

func (r *run) storeFor(action Action) string {
	if action == ActionDelete {
		return r.opts.DestinationName
	}
	return r.opts.SourceName + " -> " + r.opts.DestinationName
}

// deleteOrphan 删除目标中的孤儿文件，已经不存在视为成功
func (r *run) deleteOrphan(ctx context.Context, relPath string) {
	err := r.opts.Destination.Delete(ctx, relPath)
	switch {
	case err == nil:
		r.col.done(ActionDelete, relPath, 0)
	case errors.Is(err, storefs.ErrNotFound):
		r.log.Debug("文件已被删除", "path", relPath)
		r.col.done(ActionDelete, relPath, 0)
	default:
		r.failed(ctx, ActionDelete, relPath, err)
	}
}

// syncFile 对单个源文件做决策并执行，单个文件失败不影响其他文件
func (r *run) syncFile(ctx context.Context, relPath string) {
	policy := &r.opts.Policy
	exists := r.dest.Contains(relPath)

	var srcMeta *storefs.FileMeta
	var srcTime, dstTime time.Time
	if policy.needsModTimes(relPath, exists) {
		var err error
		if srcMeta, err = r.opts.Source.Stat(ctx, relPath); err != nil {
			r.failed(ctx, ActionCopy, relPath, fmt.Errorf("stat source: %w", err))
			return
		}
		dstMeta, err := r.opts.Destination.Stat(ctx, relPath)
		if err != nil {
			r.failed(ctx, ActionCopy, relPath, fmt.Errorf("stat destination: %w", err))
			return
		}
		srcTime, dstTime = srcMeta.ModTime, dstMeta.ModTime
	}

	switch policy.Resolve(relPath, exists, srcTime, dstTime) {
	case ActionIgnore:
		r.col.done(ActionIgnore, relPath, 0)
	case ActionSkip:
		if policy.PropagateVisibility {
			r.propagateVisibility(ctx, relPath, srcMeta)
		}
		r.col.done(ActionSkip, relPath, 0)
	case ActionCopy:
		n, err := r.copyFile(ctx, relPath)
		if err != nil {
			r.failed(ctx, ActionCopy, relPath, err)
			return
		}
		r.col.done(ActionCopy, relPath, n)
	}
}

// propagateVisibility 跳过的文件只同步可见性，不传输内容
func (r *run) propagateVisibility(ctx context.Context, relPath string, srcMeta *storefs.FileMeta) {
	if srcMeta == nil {
		var err error
		if srcMeta, err = r.opts.Source.Stat(ctx, relPath); err != nil {
			r.log.Warn("无法读取源文件可见性", "path", relPath, "err", err)
			return
		}
	}
	if srcMeta.Visibility == storefs.VisibilityUnknown {
		return
	}
	if err := r.opts.Destination.SetVisibility(ctx, relPath, srcMeta.Visibility); err != nil {
		r.log.Warn("同步可见性失败", "path", relPath, "visibility", srcMeta.Visibility, "err", err)
	}
}

// copyFile 读取源 -> 解析内容类型 -> 写入目标，返回传输的字节数
func (r *run) copyFile(ctx context.Context, relPath string) (int64, error) {
	reader, meta, err := r.opts.Source.OpenStream(ctx, relPath)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}
	defer reader.Close()

	out := *meta
	out.RelPath = relPath
	out.MimeType = r.opts.ContentTypes.Resolve(relPath, meta.MimeType)
	if !r.opts.Policy.PropagateVisibility {
		out.Visibility = storefs.VisibilityUnknown
	}

	counter := &countingReader{r: reader}
	if err := r.opts.Destination.WriteStream(ctx, relPath, counter, &out); err != nil {
		return 0, fmt.Errorf("write destination: %w", err)
	}
	return counter.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
