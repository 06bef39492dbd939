package fs

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound 路径在存储中不存在 (例如在列举之后被删除)
	ErrNotFound = errors.New("file not found")
	// ErrUnavailable 存储无法访问 (网络、权限等)，调用方应视为致命错误
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidPath 路径会逃出存储根目录，只影响该文件
	ErrInvalidPath = errors.New("invalid path")
)

// Visibility 文件的访问控制标记
type Visibility string

const (
	VisibilityUnknown Visibility = ""
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility 将配置中的字符串转换为 Visibility，无法识别时返回 VisibilityUnknown
func ParseVisibility(s string) Visibility {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public":
		return VisibilityPublic
	case "private":
		return VisibilityPrivate
	default:
		return VisibilityUnknown
	}
}

func (v Visibility) String() string {
	if v == VisibilityUnknown {
		return "unknown"
	}
	return string(v)
}

// FileMeta 文件元数据
type FileMeta struct {
	RelPath    string     // 相对路径 (统一使用 "/" 作为分隔符)
	Size       int64      // 文件大小
	ModTime    time.Time  // 修改时间
	Visibility Visibility // 可见性，未知时为 VisibilityUnknown
	MimeType   string     // 存储报告的内容类型
}

// FileSystem 是对各种存储 ("disk") 的统一抽象
//
// 路径比较是精确的字符串比较，适配器不做大小写或分隔符归一化。
type FileSystem interface {
	// Root 返回该存储的描述 (用于日志或调试)
	Root() string

	// ListAll 递归列出所有文件 (不含目录)，结果按字典序排序
	ListAll(ctx context.Context) ([]string, error)

	// Stat 获取单个文件信息，文件不存在时返回 ErrNotFound
	Stat(ctx context.Context, relPath string) (*FileMeta, error)

	// OpenStream 打开文件流并返回其元数据，调用者负责 Close
	OpenStream(ctx context.Context, relPath string) (io.ReadCloser, *FileMeta, error)

	// WriteStream 写入文件流，返回前必须已持久化
	// meta 中的 Visibility 为 VisibilityUnknown 时使用存储默认值
	WriteStream(ctx context.Context, relPath string, stream io.Reader, meta *FileMeta) error

	// Delete 删除文件，文件不存在时返回 ErrNotFound
	Delete(ctx context.Context, relPath string) error

	// SetVisibility 只修改可见性，不传输内容
	SetVisibility(ctx context.Context, relPath string, v Visibility) error
}
