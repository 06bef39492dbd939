package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	syncer "storagecopy/internal/sync"
)

const (
	DriverLocal  = "local"
	DriverS3     = "s3"
	DriverBolt   = "bolt"
	DriverMemory = "memory"

	DefaultWorkers = 3
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Sync   SyncConfig      `yaml:"sync"`
	Disks  map[string]Disk `yaml:"disks"`
	System SystemConfig    `yaml:"system"`
}

// SyncConfig 同步相关的默认值，命令行参数可覆盖
type SyncConfig struct {
	Workers int `yaml:"workers"`
	// skip (默认, 别名 always-skip-if-exists): 目标已存在则跳过
	// newer (别名 time-based): 比较修改时间，源文件较新才复制
	// 不区分大小写，校验后统一为 skip / newer
	ConflictMode string `yaml:"conflict_mode"`
}

// Disk 一个命名存储的配置，字段按驱动取用
type Disk struct {
	Driver     string `yaml:"driver"`
	Visibility string `yaml:"visibility"`

	// local
	Root string `yaml:"root"`

	// s3
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`

	// bolt
	Path string `yaml:"path"`

	// 非空时对该 disk 的内容做透明加密
	EncryptPassword string `yaml:"encrypt_password"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// LoadConfig 读取并解析配置文件
// 解析前会加载 envFile (不存在时忽略) 并展开 ${VAR} 引用
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("读取 env 文件失败: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse 解析已展开的 YAML 内容并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Workers == 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Sync.Workers < 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	mode, err := syncer.ParseConflictMode(c.Sync.ConflictMode)
	if err != nil {
		return fmt.Errorf("未知的冲突策略: %s (可选 skip, newer): %w", c.Sync.ConflictMode, err)
	}
	// 统一为规范名称，命令行和配置使用同一套解析
	c.Sync.ConflictMode = mode.String()

	names := make([]string, 0, len(c.Disks))
	for name := range c.Disks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.Disks[name].validate(); err != nil {
			return fmt.Errorf("disks.%s: %w", name, err)
		}
	}
	return nil
}

func (d Disk) validate() error {
	switch d.Visibility {
	case "", "public", "private":
	default:
		return fmt.Errorf("unknown visibility %q", d.Visibility)
	}

	switch d.Driver {
	case DriverLocal:
		if d.Root == "" {
			return errors.New("local driver requires root")
		}
	case DriverS3:
		if d.Bucket == "" {
			return errors.New("s3 driver requires bucket")
		}
	case DriverBolt:
		if d.Path == "" {
			return errors.New("bolt driver requires path")
		}
	case DriverMemory:
	case "":
		return errors.New("driver is required")
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	return nil
}

// Disk 按名称查找 disk 配置
func (c *Config) Disk(name string) (Disk, error) {
	d, ok := c.Disks[name]
	if !ok {
		return Disk{}, fmt.Errorf("disk %q is not configured", name)
	}
	return d, nil
}
