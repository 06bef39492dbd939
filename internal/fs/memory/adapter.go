// Package memory 提供进程内的存储实现，用于测试以及 memory 驱动
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	storefs "storagecopy/internal/fs"
)

// Op 标识一次存储操作，用于故障注入
type Op string

const (
	OpList          Op = "list"
	OpStat          Op = "stat"
	OpRead          Op = "read"
	OpWrite         Op = "write"
	OpDelete        Op = "delete"
	OpSetVisibility Op = "set_visibility"
)

type entry struct {
	data []byte
	meta storefs.FileMeta
}

// Adapter 内存存储
type Adapter struct {
	name string

	mu    sync.RWMutex
	files map[string]*entry
	calls map[Op]int

	// Fault 返回非 nil 时对应操作直接失败
	Fault func(op Op, relPath string) error
	// Now 用于生成写入时间，默认 time.Now
	Now func() time.Time
}

// NewAdapter 创建一个空的内存存储
func NewAdapter(name string) *Adapter {
	return &Adapter{
		name:  name,
		files: make(map[string]*entry),
		calls: make(map[Op]int),
		Now:   time.Now,
	}
}

// Root 返回存储名
func (a *Adapter) Root() string {
	return "memory://" + a.name
}

// Put 直接写入一个文件 (测试辅助)
func (a *Adapter) Put(relPath string, data []byte, modTime time.Time, v storefs.Visibility) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[relPath] = &entry{
		data: append([]byte(nil), data...),
		meta: storefs.FileMeta{
			RelPath:    relPath,
			Size:       int64(len(data)),
			ModTime:    modTime,
			Visibility: v,
			MimeType:   mimetype.Detect(data).String(),
		},
	}
}

// Get 返回文件内容和元数据的副本 (测试辅助)
func (a *Adapter) Get(relPath string) ([]byte, storefs.FileMeta, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.files[relPath]
	if !ok {
		return nil, storefs.FileMeta{}, false
	}
	return append([]byte(nil), e.data...), e.meta, true
}

// Calls 返回某个操作被调用的次数
func (a *Adapter) Calls(op Op) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[op]
}

func (a *Adapter) begin(op Op, relPath string) error {
	a.mu.Lock()
	a.calls[op]++
	a.mu.Unlock()
	if a.Fault != nil {
		return a.Fault(op, relPath)
	}
	return nil
}

// ListAll 列出全部文件
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	if err := a.begin(OpList, ""); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	files := make([]string, 0, len(a.files))
	for p := range a.files {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// Stat 获取元数据
func (a *Adapter) Stat(_ context.Context, relPath string) (*storefs.FileMeta, error) {
	if err := a.begin(OpStat, relPath); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.files[relPath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	meta := e.meta
	return &meta, nil
}

// OpenStream 返回内容副本的读取流
func (a *Adapter) OpenStream(_ context.Context, relPath string) (io.ReadCloser, *storefs.FileMeta, error) {
	if err := a.begin(OpRead, relPath); err != nil {
		return nil, nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.files[relPath]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	meta := e.meta
	return io.NopCloser(bytes.NewReader(append([]byte(nil), e.data...))), &meta, nil
}

// WriteStream 写入文件，整体替换
func (a *Adapter) WriteStream(_ context.Context, relPath string, stream io.Reader, meta *storefs.FileMeta) error {
	if err := a.begin(OpWrite, relPath); err != nil {
		return err
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return err
	}

	stored := storefs.FileMeta{RelPath: relPath, Size: int64(len(data)), ModTime: a.Now()}
	if meta != nil {
		stored.Visibility = meta.Visibility
		stored.MimeType = meta.MimeType
		if !meta.ModTime.IsZero() {
			stored.ModTime = meta.ModTime
		}
	}
	if stored.Visibility == storefs.VisibilityUnknown {
		stored.Visibility = storefs.VisibilityPrivate
	}
	if stored.MimeType == "" {
		stored.MimeType = mimetype.Detect(data).String()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[relPath] = &entry{data: data, meta: stored}
	return nil
}

// Delete 删除文件
func (a *Adapter) Delete(_ context.Context, relPath string) error {
	if err := a.begin(OpDelete, relPath); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[relPath]; !ok {
		return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	delete(a.files, relPath)
	return nil
}

// SetVisibility 修改可见性
func (a *Adapter) SetVisibility(_ context.Context, relPath string, v storefs.Visibility) error {
	if err := a.begin(OpSetVisibility, relPath); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.files[relPath]
	if !ok {
		return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	if v != storefs.VisibilityUnknown {
		e.meta.Visibility = v
	}
	return nil
}

var _ storefs.FileSystem = (*Adapter)(nil)
