package model

import (
	"strings"
)

// stepPrefixes 步骤类型前缀（按顺序匹配，匹配后去除前缀）
var stepPrefixes = []struct {
	prefix string
	typ    StepType
}{
	{"assert:", StepTypeAssert},
	{"断言：", StepTypeAssert},
	{"断言:", StepTypeAssert},
	{"检查：", StepTypeAssert},
	{"check:", StepTypeAssert},
	{"query:", StepTypeQuery},
	{"查询：", StepTypeQuery},
	{"查询:", StepTypeQuery},
	{"ask:", StepTypeQuery},
	{"询问：", StepTypeQuery},
}

// ParseStepType 根据文本前缀推断步骤类型
//
// 例如 "assert: 页面显示登录成功" → (assert, "页面显示登录成功")。
// 英文前缀不区分大小写；没有已知前缀时返回 action 和去除首尾空白的原文。
func ParseStepType(text string) (StepType, string) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, sp := range stepPrefixes {
		if strings.HasPrefix(lower, sp.prefix) {
			return sp.typ, strings.TrimSpace(trimmed[len(sp.prefix):])
		}
	}
	return StepTypeAction, trimmed
}

// maxSanitizedNameLen 文件名安全化后的最大字符数
const maxSanitizedNameLen = 50

// SanitizeName 将任意名称转换为文件名安全的形式
//
// ASCII 字母数字与常用汉字（U+4E00–U+9FA5）保留，其余字符替换为 '_'，
// 结果截断为 50 个字符。
func SanitizeName(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n >= maxSanitizedNameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 0x4e00 && r <= 0x9fa5:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		n++
	}
	return b.String()
}
