package sync

import (
	"fmt"
	"regexp"
)

// PathFilter 对原始相对路径做正则匹配
type PathFilter struct {
	re *regexp.Regexp
}

// NewPathFilter 编译过滤表达式，空字符串表示匹配全部 (返回 nil)
// 表达式非法时返回 ErrInvalidPattern，调用方应在任何 I/O 之前处理
func NewPathFilter(pattern string) (*PathFilter, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return &PathFilter{re: re}, nil
}

// Match nil 过滤器匹配所有路径
func (f *PathFilter) Match(relPath string) bool {
	if f == nil {
		return true
	}
	return f.re.MatchString(relPath)
}

func (f *PathFilter) String() string {
	if f == nil {
		return ""
	}
	return f.re.String()
}
