// Package bolt 将整个存储保存在单个 BoltDB 文件中
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.etcd.io/bbolt"

	storefs "storagecopy/internal/fs"
)

const (
	// FilesBucket 存放文件内容
	FilesBucket = "files"
	// MetaBucket 存放 FileRecord (JSON)
	MetaBucket = "meta"
)

var errMissing = errors.New("missing")

// Adapter 基于 BoltDB 的存储
type Adapter struct {
	path              string
	conn              *bbolt.DB
	defaultVisibility storefs.Visibility
}

// Open 初始化并打开数据库
func Open(dbPath string, defaultVisibility storefs.Visibility) (*Adapter, error) {
	// 打开数据库，如果文件不存在则创建
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt %s: %v", storefs.ErrUnavailable, dbPath, err)
	}

	// 确保 Bucket 存在
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{FilesBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	if defaultVisibility == storefs.VisibilityUnknown {
		defaultVisibility = storefs.VisibilityPrivate
	}
	return &Adapter{path: dbPath, conn: db, defaultVisibility: defaultVisibility}, nil
}

// Close 关闭数据库连接
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// Root 返回数据库文件路径
func (a *Adapter) Root() string {
	return "bolt://" + a.path
}

// ListAll 获取所有文件路径，bolt 的 key 本身有序
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	var files []string
	err := a.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MetaBucket)).ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			files = append(files, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func getRecord(tx *bbolt.Tx, relPath string) (*FileRecord, error) {
	v := tx.Bucket([]byte(MetaBucket)).Get([]byte(relPath))
	if v == nil {
		return nil, errMissing
	}
	var rec FileRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("解析数据失败 key=%s: %w", relPath, err)
	}
	return &rec, nil
}

func notFound(relPath string, err error) error {
	if errors.Is(err, errMissing) {
		return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	return err
}

// Stat 获取单个文件的元数据
func (a *Adapter) Stat(_ context.Context, relPath string) (*storefs.FileMeta, error) {
	var rec *FileRecord
	err := a.conn.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, relPath)
		return err
	})
	if err != nil {
		return nil, notFound(relPath, err)
	}
	return rec.toMeta(), nil
}

// OpenStream 读取文件内容
// bolt 返回的切片只在事务内有效，这里需要复制一份
func (a *Adapter) OpenStream(_ context.Context, relPath string) (io.ReadCloser, *storefs.FileMeta, error) {
	var (
		rec  *FileRecord
		data []byte
	)
	err := a.conn.View(func(tx *bbolt.Tx) error {
		var err error
		if rec, err = getRecord(tx, relPath); err != nil {
			return err
		}
		data = append([]byte(nil), tx.Bucket([]byte(FilesBucket)).Get([]byte(relPath))...)
		return nil
	})
	if err != nil {
		return nil, nil, notFound(relPath, err)
	}
	return io.NopCloser(bytes.NewReader(data)), rec.toMeta(), nil
}

// WriteStream 保存文件，内容和元数据在同一个事务中提交
func (a *Adapter) WriteStream(_ context.Context, relPath string, stream io.Reader, meta *storefs.FileMeta) error {
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("读取数据失败: %w", err)
	}

	now := time.Now()
	rec := &FileRecord{
		RelPath:    relPath,
		FileSize:   int64(len(data)),
		ModTime:    now.UnixNano(),
		Visibility: a.defaultVisibility.String(),
		WrittenAt:  now.UnixNano(),
	}
	if meta != nil {
		if !meta.ModTime.IsZero() {
			rec.ModTime = meta.ModTime.UnixNano()
		}
		if meta.Visibility != storefs.VisibilityUnknown {
			rec.Visibility = meta.Visibility.String()
		}
		rec.MimeType = meta.MimeType
	}
	if rec.MimeType == "" {
		rec.MimeType = mimetype.Detect(data).String()
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return a.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(FilesBucket)).Put([]byte(relPath), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(relPath), encoded)
	})
}

// Delete 删除文件
func (a *Adapter) Delete(_ context.Context, relPath string) error {
	err := a.conn.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if meta.Get([]byte(relPath)) == nil {
			return errMissing
		}
		if err := meta.Delete([]byte(relPath)); err != nil {
			return err
		}
		return tx.Bucket([]byte(FilesBucket)).Delete([]byte(relPath))
	})
	return notFound(relPath, err)
}

// SetVisibility 只更新元数据
func (a *Adapter) SetVisibility(_ context.Context, relPath string, v storefs.Visibility) error {
	if v == storefs.VisibilityUnknown {
		return nil
	}
	err := a.conn.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, relPath)
		if err != nil {
			return err
		}
		rec.Visibility = v.String()
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(relPath), encoded)
	})
	return notFound(relPath, err)
}

var _ storefs.FileSystem = (*Adapter)(nil)
