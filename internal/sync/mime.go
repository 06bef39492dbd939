package sync

import "strings"

// ContentTypeRule 后缀 -> MIME 类型的覆盖规则
type ContentTypeRule struct {
	Suffix   string
	MimeType string
}

// DefaultContentTypeRules 一些存储后端会把这些类型报告为通用或错误的值
var DefaultContentTypeRules = []ContentTypeRule{
	{Suffix: ".css", MimeType: "text/css"},
	{Suffix: ".js", MimeType: "text/javascript"},
	{Suffix: ".mjs", MimeType: "text/javascript"},
	{Suffix: ".svg", MimeType: "image/svg+xml"},
	{Suffix: ".json", MimeType: "application/json"},
	{Suffix: ".wasm", MimeType: "application/wasm"},
}

// ContentTypeResolver 按顺序匹配覆盖表，第一个匹配的规则生效
type ContentTypeResolver struct {
	rules []ContentTypeRule
}

// NewContentTypeResolver 不传规则时使用 DefaultContentTypeRules
func NewContentTypeResolver(rules ...ContentTypeRule) *ContentTypeResolver {
	if len(rules) == 0 {
		rules = DefaultContentTypeRules
	}
	normalized := make([]ContentTypeRule, len(rules))
	for i, r := range rules {
		normalized[i] = ContentTypeRule{Suffix: strings.ToLower(r.Suffix), MimeType: r.MimeType}
	}
	return &ContentTypeResolver{rules: normalized}
}

// Resolve 后缀匹配不区分大小写，没有规则匹配时原样返回存储报告的类型
func (r *ContentTypeResolver) Resolve(relPath, reported string) string {
	lower := strings.ToLower(relPath)
	for _, rule := range r.rules {
		if strings.HasSuffix(lower, rule.Suffix) {
			return rule.MimeType
		}
	}
	return reported
}
