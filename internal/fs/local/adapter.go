package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	storefs "storagecopy/internal/fs"
)

// 与 Laravel 本地磁盘一致的权限映射
const (
	filePublic  os.FileMode = 0644
	filePrivate os.FileMode = 0600
	dirPublic   os.FileMode = 0755
	dirPrivate  os.FileMode = 0700
)

// Adapter 本地文件系统适配器
type Adapter struct {
	rootDir           string // 本地绝对路径根目录
	defaultVisibility storefs.Visibility
}

// NewAdapter 创建一个新的本地适配器
// defaultVisibility 为写入时未指定可见性所使用的值，未知时按 public 处理
func NewAdapter(rootDir string, defaultVisibility storefs.Visibility) *Adapter {
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	if defaultVisibility == storefs.VisibilityUnknown {
		defaultVisibility = storefs.VisibilityPublic
	}
	return &Adapter{rootDir: absDir, defaultVisibility: defaultVisibility}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// tempPrefix 写入过程中的临时文件前缀，列举时跳过
const tempPrefix = ".storagecopy-"

// toSysPath 将相对路径转换为本地系统绝对路径
// 输入: "docs/file.txt" -> 输出 (Windows): "D:\Data\docs\file.txt"
// 结果必须位于根目录之下，例如 "../x" 会返回 ErrInvalidPath
func (a *Adapter) toSysPath(relPath string) (string, error) {
	fullPath := filepath.Join(a.rootDir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside %s", storefs.ErrInvalidPath, relPath, a.rootDir)
	}
	return fullPath, nil
}

// toRelPath 将本地系统绝对路径转换为统一相对路径
func (a *Adapter) toRelPath(fullPath string) (string, error) {
	rel, err := filepath.Rel(a.rootDir, fullPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ListAll 递归扫描本地目录
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	info, err := os.Stat(a.rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storefs.ErrUnavailable, a.rootDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", storefs.ErrUnavailable, a.rootDir)
	}

	var files []string
	err = filepath.WalkDir(a.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// 只列出文件，目录由写入时自动创建
		if d.IsDir() {
			return nil
		}
		// 跳过中断写入留下的临时文件
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		relPath, err := a.toRelPath(path)
		if err != nil {
			return err
		}
		files = append(files, relPath)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", storefs.ErrUnavailable, err)
		}
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(_ context.Context, relPath string) (*storefs.FileMeta, error) {
	fullPath, err := a.toSysPath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, wrapNotExist(relPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", relPath, storefs.ErrNotFound)
	}
	return a.metaFor(relPath, fullPath, info), nil
}

func (a *Adapter) metaFor(relPath, fullPath string, info os.FileInfo) *storefs.FileMeta {
	meta := &storefs.FileMeta{
		RelPath:    relPath,
		Size:       info.Size(),
		ModTime:    info.ModTime(),
		Visibility: visibilityFromMode(info.Mode()),
	}
	// 只读取文件头部做类型嗅探
	if mt, err := mimetype.DetectFile(fullPath); err == nil {
		meta.MimeType = mt.String()
	} else {
		slog.Debug("无法识别文件类型", "path", relPath, "err", err)
	}
	return meta
}

// OpenStream 打开本地文件读取流
func (a *Adapter) OpenStream(_ context.Context, relPath string) (io.ReadCloser, *storefs.FileMeta, error) {
	fullPath, err := a.toSysPath(relPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		return nil, nil, wrapNotExist(relPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, a.metaFor(relPath, fullPath, info), nil
}

// WriteStream 将流写入本地文件
// 先写入同目录下的临时文件再重命名，保证单次写入的原子性
func (a *Adapter) WriteStream(ctx context.Context, relPath string, stream io.Reader, meta *storefs.FileMeta) error {
	fullPath, err := a.toSysPath(relPath)
	if err != nil {
		return err
	}
	visibility := a.defaultVisibility
	if meta != nil && meta.Visibility != storefs.VisibilityUnknown {
		visibility = meta.Visibility
	}

	// 1. 确保父目录存在
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, dirMode(a.defaultVisibility)); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	// 2. 创建临时文件
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmpPath)
	}

	// 3. 写入数据
	if _, err := io.Copy(f, stream); err != nil {
		cleanup()
		return fmt.Errorf("写入数据失败: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("刷盘失败: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, fileMode(visibility)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("设置权限失败: %w", err)
	}
	if err := ctx.Err(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("重命名失败: %w", err)
	}

	// 4. 恢复修改时间，保持和源存储一致
	if meta != nil && !meta.ModTime.IsZero() {
		if err := os.Chtimes(fullPath, time.Now(), meta.ModTime); err != nil {
			slog.Warn("无法修改文件时间", "path", relPath, "err", err)
		}
	}
	return nil
}

// Delete 删除本地文件
func (a *Adapter) Delete(_ context.Context, relPath string) error {
	fullPath, err := a.toSysPath(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return wrapNotExist(relPath, err)
	}
	return nil
}

// SetVisibility 修改文件权限
func (a *Adapter) SetVisibility(_ context.Context, relPath string, v storefs.Visibility) error {
	if v == storefs.VisibilityUnknown {
		return nil
	}
	fullPath, err := a.toSysPath(relPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(fullPath, fileMode(v)); err != nil {
		return wrapNotExist(relPath, err)
	}
	return nil
}

func wrapNotExist(relPath string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	return err
}

func visibilityFromMode(mode os.FileMode) storefs.Visibility {
	// 组或其他用户可读即视为 public
	if mode.Perm()&0044 != 0 {
		return storefs.VisibilityPublic
	}
	return storefs.VisibilityPrivate
}

func fileMode(v storefs.Visibility) os.FileMode {
	if v == storefs.VisibilityPrivate {
		return filePrivate
	}
	return filePublic
}

func dirMode(v storefs.Visibility) os.FileMode {
	if v == storefs.VisibilityPrivate {
		return dirPrivate
	}
	return dirPublic
}

var _ storefs.FileSystem = (*Adapter)(nil)
