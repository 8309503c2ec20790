package rules

import (
	"math"
	"strconv"
	"strings"
)

// 字段缺失或类型不符时返回默认值，畸形数据退化为“不报警”

func number(readings map[string]any, key string, def float64) float64 {
	switch v := readings[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func flag(readings map[string]any, key string) bool {
	v, ok := readings[key].(bool)
	return ok && v
}

func text(readings map[string]any, key, def string) string {
	if v, ok := readings[key].(string); ok {
		return v
	}
	return def
}

// formatNumber 最短表示；整数值保留一位小数（65 -> "65.0"），与上游 JSON 浮点字面量一致
func formatNumber(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") && !math.IsInf(v, 0) && !math.IsNaN(v) {
		s += ".0"
	}
	return s
}
