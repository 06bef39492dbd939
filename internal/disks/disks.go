// Package disks 根据配置创建命名存储
//
// 每次调用都会创建新的实例，不维护进程级的注册表。
package disks

import (
	"context"
	"fmt"

	"storagecopy/internal/config"
	"storagecopy/internal/crypto"
	storefs "storagecopy/internal/fs"
	"storagecopy/internal/fs/bolt"
	"storagecopy/internal/fs/encrypted"
	"storagecopy/internal/fs/local"
	"storagecopy/internal/fs/memory"
	"storagecopy/internal/fs/s3"
)

// Disk 一个已打开的命名存储
type Disk struct {
	Name string
	storefs.FileSystem

	closeFn func() error
}

// Close 释放底层资源 (例如 bolt 文件锁)
func (d *Disk) Close() error {
	if d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

// Open 根据 disk 配置创建存储实例
func Open(ctx context.Context, name string, cfg config.Disk) (*Disk, error) {
	visibility := storefs.ParseVisibility(cfg.Visibility)
	disk := &Disk{Name: name}

	switch cfg.Driver {
	case config.DriverLocal:
		disk.FileSystem = local.NewAdapter(cfg.Root, visibility)
	case config.DriverS3:
		adapter, err := s3.New(ctx, s3.Options{
			Bucket:            cfg.Bucket,
			Prefix:            cfg.Prefix,
			Region:            cfg.Region,
			Endpoint:          cfg.Endpoint,
			AccessKey:         cfg.AccessKey,
			SecretKey:         cfg.SecretKey,
			PathStyle:         cfg.PathStyle,
			DefaultVisibility: visibility,
		})
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", name, err)
		}
		disk.FileSystem = adapter
	case config.DriverBolt:
		adapter, err := bolt.Open(cfg.Path, visibility)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", name, err)
		}
		disk.FileSystem = adapter
		disk.closeFn = adapter.Close
	case config.DriverMemory:
		disk.FileSystem = memory.NewAdapter(name)
	default:
		return nil, fmt.Errorf("disk %s: unknown driver %q", name, cfg.Driver)
	}

	if cfg.EncryptPassword != "" {
		disk.FileSystem = encrypted.NewAdapter(disk.FileSystem, crypto.KeyFromPassword(cfg.EncryptPassword))
	}
	return disk, nil
}
