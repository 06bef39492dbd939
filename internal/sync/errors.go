package sync

import (
	"errors"
	"fmt"

	storefs "storagecopy/internal/fs"
)

var (
	// ErrStoreUnavailable 列举或连接失败，整次同步中止
	ErrStoreUnavailable = storefs.ErrUnavailable
	// ErrFileNotFound 文件在列举之后消失
	ErrFileNotFound = storefs.ErrNotFound
	// ErrInvalidPattern 路径过滤表达式非法，在任何 I/O 之前报告
	ErrInvalidPattern = errors.New("invalid path filter pattern")
	// ErrAborted 同步被取消，剩余任务被放弃
	ErrAborted = errors.New("sync aborted")
)

// StoreError 某个存储整体不可用
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %q failed: %v", e.Op, e.Store, e.Err)
}

// Unwrap 同时匹配 ErrStoreUnavailable 和底层错误
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// FileError 单个文件的读写或删除失败，不会中止同步
type FileError struct {
	Action Action
	Path   string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
