// Package rules 按设备类型做阈值评估。Engine 无状态，同一 Reading 总是得到相同结果。
package rules

import (
	"fmt"

	"owl-telemetry/internal/models"
)

// DefaultCOThresholdPPM 厨房 CO 报警阈值默认值
const DefaultCOThresholdPPM = 50.0

// Result 规则命中结果（不含租户与时间）
type Result struct {
	Message  string
	Severity string
}

// Rule 单条规则；Device 为空表示适用于所有设备
type Rule struct {
	Name     string
	Device   string
	Severity string
	Match    func(r *models.Reading) (string, bool)
}

// Options 引擎参数
type Options struct {
	COThresholdPPM float64
}

// Engine 规则引擎，按表顺序评估，第一条命中的规则生效
type Engine struct {
	domain string
	rules  []Rule
}

// NewEngine 创建域对应的规则引擎
func NewEngine(domain string, opts Options) (*Engine, error) {
	var rules []Rule
	switch domain {
	case models.DomainHome:
		rules = homeRules()
	case models.DomainKitchen:
		threshold := opts.COThresholdPPM
		if threshold <= 0 {
			threshold = DefaultCOThresholdPPM
		}
		rules = kitchenRules(threshold)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownDomain, domain)
	}
	return &Engine{domain: domain, rules: rules}, nil
}

// Domain 引擎所属域
func (e *Engine) Domain() string {
	return e.domain
}

// Rules 返回规则表副本
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate 评估一条 Reading，最多产生一个结果
func (e *Engine) Evaluate(r *models.Reading) (Result, bool) {
	if r == nil {
		return Result{}, false
	}
	for _, rule := range e.rules {
		if rule.Device != "" && rule.Device != r.Device {
			continue
		}
		if msg, ok := rule.Match(r); ok {
			return Result{Message: msg, Severity: rule.Severity}, true
		}
	}
	return Result{}, false
}
