package bolt

import (
	"time"

	storefs "storagecopy/internal/fs"
)

// FileRecord 代表一个存储在 bolt 文件中的文件元数据
// 存入数据库时会序列化为 JSON，内容单独存放在 files bucket
type FileRecord struct {
	// 相对路径 (作为数据库的 Key，这里也存一份冗余方便反序列化)
	RelPath string `json:"rel_path"`

	// 文件大小 (字节)
	FileSize int64 `json:"file_size"`

	// 修改时间 (Unix Nano)
	ModTime int64 `json:"mod_time"`

	Visibility string `json:"visibility"`
	MimeType   string `json:"mime_type"`

	// 最后一次写入的时间 (用于调试)
	WrittenAt int64 `json:"written_at"`
}

// ModTimeAsTime 辅助方法：转为 Go Time 对象
func (f *FileRecord) ModTimeAsTime() time.Time {
	return time.Unix(0, f.ModTime)
}

// toMeta 转换为通用元数据
func (f *FileRecord) toMeta() *storefs.FileMeta {
	return &storefs.FileMeta{
		RelPath:    f.RelPath,
		Size:       f.FileSize,
		ModTime:    f.ModTimeAsTime(),
		Visibility: storefs.ParseVisibility(f.Visibility),
		MimeType:   f.MimeType,
	}
}
