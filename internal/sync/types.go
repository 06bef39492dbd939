package sync

import (
	"fmt"
	"strings"
)

// Action 定义同步操作类型
type Action int

const (
	ActionIgnore Action = iota // 忽略 (被过滤掉，不计数)
	ActionCopy                 // 复制 (源 -> 目标)
	ActionSkip                 // 跳过 (目标已存在)
	ActionDelete               // 删除目标中的孤儿文件
)

func (a Action) String() string {
	switch a {
	case ActionCopy:
		return "copy"
	case ActionSkip:
		return "skip"
	case ActionDelete:
		return "delete"
	default:
		return "ignore"
	}
}

// Label 日志中使用的动作名，例如 "COPIED"
func (a Action) Label() string {
	switch a {
	case ActionCopy:
		return "COPIED"
	case ActionSkip:
		return "SKIPPED"
	case ActionDelete:
		return "DELETED"
	default:
		return "IGNORED"
	}
}

// ConflictMode 源和目标都存在同一文件时的处理方式
type ConflictMode int

const (
	// ConflictSkipIfExists (默认)：目标存在即跳过
	ConflictSkipIfExists ConflictMode = iota
	// ConflictTimeBased：源文件修改时间严格晚于目标时才复制
	ConflictTimeBased
)

func (m ConflictMode) String() string {
	if m == ConflictTimeBased {
		return "newer"
	}
	return "skip"
}

// ParseConflictMode 将配置或命令行中的字符串转换为 ConflictMode
func ParseConflictMode(s string) (ConflictMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip", "always-skip-if-exists":
		return ConflictSkipIfExists, nil
	case "newer", "time-based":
		return ConflictTimeBased, nil
	default:
		return ConflictSkipIfExists, fmt.Errorf("unknown conflict mode %q", s)
	}
}

// Policy 一次同步的策略
type Policy struct {
	DeleteOrphans       bool
	OverwriteExisting   bool
	PropagateVisibility bool
	Filter              *PathFilter // nil 表示匹配全部
	ConflictMode        ConflictMode
}

// Event 每个已处理路径产生一个事件
// Err 非空表示该动作失败
type Event struct {
	Action Action
	Path   string
	Err    error
}

// Line 返回 "<ACTION>: <path>" 格式的日志行
func (e Event) Line() string {
	if e.Err != nil {
		return fmt.Sprintf("FAILED %s: %s (%v)", strings.ToUpper(e.Action.String()), e.Path, e.Err)
	}
	return e.Action.Label() + ": " + e.Path
}

// EventSink 接收同步事件，实现需要保证并发安全
type EventSink interface {
	Record(ev Event)
}

// Progress 进度回调
// Start 在任何文件处理前调用一次，total 包含待删除的孤儿文件
type Progress interface {
	Start(total int)
	Advance()
	Finish()
}

type nopSink struct{}

func (nopSink) Record(Event) {}

type nopProgress struct{}

func (nopProgress) Start(int) {}
func (nopProgress) Advance()  {}
func (nopProgress) Finish()   {}
