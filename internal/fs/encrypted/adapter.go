// Package encrypted 为任意存储提供透明的内容加密
//
// 文件名保持明文，这样两个存储之间的路径比较仍然是精确比较。
package encrypted

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"storagecopy/internal/crypto"
	storefs "storagecopy/internal/fs"
)

// sniffLimit 与 mimetype 默认读取的头部长度一致
const sniffLimit = 3072

// octetStream 密文嗅探的结果总是这个类型
const octetStream = "application/octet-stream"

// Adapter 包装另一个存储，读取时解密，写入时加密
type Adapter struct {
	inner storefs.FileSystem
	key   []byte
}

// NewAdapter 创建加密存储，key 必须是 32 字节
func NewAdapter(inner storefs.FileSystem, key []byte) *Adapter {
	return &Adapter{inner: inner, key: key}
}

// Root 返回被包装存储的描述
func (a *Adapter) Root() string {
	return "encrypted+" + a.inner.Root()
}

// ListAll 直接透传
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	return a.inner.ListAll(ctx)
}

// Stat 返回明文大小
// 内部存储无法提供类型时 (例如本地磁盘嗅探到的是密文)，解密头部重新识别
func (a *Adapter) Stat(ctx context.Context, relPath string) (*storefs.FileMeta, error) {
	meta, err := a.inner.Stat(ctx, relPath)
	if err != nil {
		return nil, err
	}
	plain := plainMeta(meta)
	if !needsSniff(plain.MimeType) {
		return plain, nil
	}

	rc, _, err := a.OpenStream(ctx, relPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := sniff(rc, plain); err != nil {
		return nil, err
	}
	return plain, nil
}

// OpenStream 打开解密流
// 内部存储报告的类型与密文嗅探结果一致时，说明它嗅探的是密文，改用明文识别
func (a *Adapter) OpenStream(ctx context.Context, relPath string) (io.ReadCloser, *storefs.FileMeta, error) {
	rc, meta, err := a.inner.OpenStream(ctx, relPath)
	if err != nil {
		return nil, nil, err
	}
	plain := plainMeta(meta)

	raw := io.Reader(rc)
	resniff := needsSniff(plain.MimeType)
	if !resniff {
		cipherMeta := &storefs.FileMeta{}
		if raw, err = sniff(rc, cipherMeta); err != nil {
			rc.Close()
			return nil, nil, err
		}
		resniff = cipherMeta.MimeType == plain.MimeType
	}

	dec, err := crypto.NewDecryptReader(raw, a.key)
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("crypto init failed: %w", err)
	}
	var body io.Reader = dec
	if resniff {
		if body, err = sniff(dec, plain); err != nil {
			rc.Close()
			return nil, nil, err
		}
	}
	return readCloser{Reader: body, Closer: rc}, plain, nil
}

// WriteStream 加密后写入
// 没有类型时按明文识别，避免内部存储去嗅探密文
func (a *Adapter) WriteStream(ctx context.Context, relPath string, stream io.Reader, meta *storefs.FileMeta) error {
	innerMeta := &storefs.FileMeta{RelPath: relPath}
	if meta != nil {
		*innerMeta = *meta
		innerMeta.Size += crypto.Overhead
	}
	if innerMeta.MimeType == "" {
		var err error
		if stream, err = sniff(stream, innerMeta); err != nil {
			return err
		}
	}

	enc, err := crypto.NewEncryptReader(stream, a.key)
	if err != nil {
		return fmt.Errorf("crypto init failed: %w", err)
	}
	return a.inner.WriteStream(ctx, relPath, enc, innerMeta)
}

// Delete 直接透传
func (a *Adapter) Delete(ctx context.Context, relPath string) error {
	return a.inner.Delete(ctx, relPath)
}

// SetVisibility 直接透传
func (a *Adapter) SetVisibility(ctx context.Context, relPath string, v storefs.Visibility) error {
	return a.inner.SetVisibility(ctx, relPath, v)
}

func plainMeta(meta *storefs.FileMeta) *storefs.FileMeta {
	m := *meta
	if m.Size >= crypto.Overhead {
		m.Size -= crypto.Overhead
	}
	return &m
}

func needsSniff(mimeType string) bool {
	return mimeType == "" || mimeType == octetStream
}

// sniff 读取明文头部识别类型写入 meta，返回可以从头读取的完整流
func sniff(r io.Reader, meta *storefs.FileMeta) (io.Reader, error) {
	head := make([]byte, sniffLimit)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("读取文件头失败: %w", err)
	}
	head = head[:n]
	meta.MimeType = mimetype.Detect(head).String()
	return io.MultiReader(bytes.NewReader(head), r), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

var _ storefs.FileSystem = (*Adapter)(nil)
