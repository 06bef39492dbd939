package sync

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Listing 一次同步开始时捕获的路径快照，之后不再变化
type Listing struct {
	paths []string
	set   mapset.Set[string]
}

// NewListing 去重并保留原始顺序
func NewListing(paths []string) *Listing {
	l := &Listing{
		paths: make([]string, 0, len(paths)),
		set:   mapset.NewThreadUnsafeSetWithSize[string](len(paths)),
	}
	for _, p := range paths {
		if l.set.Add(p) {
			l.paths = append(l.paths, p)
		}
	}
	return l
}

// Paths 返回快照中的路径副本
func (l *Listing) Paths() []string {
	return append([]string(nil), l.paths...)
}

// Contains 精确比较，不做任何归一化
func (l *Listing) Contains(relPath string) bool {
	return l.set.Contains(relPath)
}

// Len 快照中的路径数
func (l *Listing) Len() int {
	return len(l.paths)
}

// ComputeOrphans 返回存在于目标但不存在于源的路径 (dest \ source)，按目标快照顺序
func ComputeOrphans(source, dest *Listing) []string {
	orphans := make([]string, 0)
	for _, p := range dest.paths {
		if !source.Contains(p) {
			orphans = append(orphans, p)
		}
	}
	return orphans
}

// Resolve 决策函数，对每个源文件调用一次
// srcModTime 和 dstModTime 只在 time-based 模式且目标存在时参与比较
func (p *Policy) Resolve(relPath string, existsOnDest bool, srcModTime, dstModTime time.Time) Action {
	// 1. 过滤只作用于复制阶段
	if !p.Filter.Match(relPath) {
		return ActionIgnore
	}

	// 2. 目标不存在，直接复制
	if !existsOnDest {
		return ActionCopy
	}

	// 3. 两边都存在
	if p.OverwriteExisting {
		return ActionCopy
	}
	if p.ConflictMode == ConflictTimeBased {
		// 时间相同视为目标不旧，避免重复传输
		if srcModTime.After(dstModTime) {
			return ActionCopy
		}
		return ActionSkip
	}
	return ActionSkip
}

// needsModTimes 只有 time-based 决策才需要额外的 Stat 调用
func (p *Policy) needsModTimes(relPath string, existsOnDest bool) bool {
	return existsOnDest &&
		!p.OverwriteExisting &&
		p.ConflictMode == ConflictTimeBased &&
		p.Filter.Match(relPath)
}
