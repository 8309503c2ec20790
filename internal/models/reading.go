package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// 设备域
const (
	DomainHome    = "smart_home"
	DomainKitchen = "smart_kitchen"
)

// 各域的设备枚举（顺序即订阅顺序）
var (
	HomeDevices = []string{
		"smoke_detector",
		"water_sensor",
		"door_sensor",
		"temperature_sensor",
		"humidity_sensor",
		"motion_detector",
	}
	KitchenDevices = []string{"refrigerator", "oven", "microwave"}

	// 厨房设备的扁平数值字段
	KitchenFields = []string{"temperature_C", "CO_ppm", "CO2_ppm", "power_W"}
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownDevice = errors.New("unknown device")
	ErrBadTimestamp  = errors.New("invalid timestamp")
	ErrUnknownDomain = errors.New("unknown domain")
)

// ParseError 入站消息无法解析为 Reading
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reading 一条遥测采样
type Reading struct {
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	Device    string         `json:"device" db:"device"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Readings  map[string]any `json:"readings" db:"readings"`
}

// Devices 返回域内的设备列表
func Devices(domain string) ([]string, error) {
	switch domain {
	case DomainHome:
		return HomeDevices, nil
	case DomainKitchen:
		return KitchenDevices, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
}

// IsKnownDevice 设备是否属于该域
func IsKnownDevice(domain, device string) bool {
	devices, err := Devices(domain)
	if err != nil {
		return false
	}
	for _, d := range devices {
		if d == device {
			return true
		}
	}
	return false
}

// ParseReading 解析入站 JSON 为 Reading；租户取自订阅上下文而非消息体
// 厨房域消息的扁平字段（temperature_C 等）折叠进 Readings
func ParseReading(domain, tenantID, topic string, payload []byte) (*Reading, error) {
	fail := func(err error) (*Reading, error) {
		return nil, &ParseError{Topic: topic, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fail(fmt.Errorf("invalid json: %w", err))
	}
	if raw == nil {
		return fail(fmt.Errorf("%w: payload is not an object", ErrMissingField))
	}

	device, ok := raw["device"].(string)
	if !ok || device == "" {
		return fail(fmt.Errorf("%w: device", ErrMissingField))
	}
	if !IsKnownDevice(domain, device) {
		return fail(fmt.Errorf("%w: %s", ErrUnknownDevice, device))
	}

	tsRaw, ok := raw["timestamp"].(string)
	if !ok || tsRaw == "" {
		return fail(fmt.Errorf("%w: timestamp", ErrMissingField))
	}
	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		return fail(err)
	}

	readings, err := extractReadings(domain, raw)
	if err != nil {
		return fail(err)
	}

	return &Reading{
		TenantID:  tenantID,
		Device:    device,
		Timestamp: ts,
		Readings:  readings,
	}, nil
}

func extractReadings(domain string, raw map[string]any) (map[string]any, error) {
	if nested, ok := raw["readings"]; ok {
		m, ok := nested.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: readings must be an object", ErrMissingField)
		}
		return normalize(m), nil
	}

	if domain != DomainKitchen {
		return nil, fmt.Errorf("%w: readings", ErrMissingField)
	}

	readings := make(map[string]any)
	for _, field := range KitchenFields {
		if v, ok := raw[field]; ok {
			readings[field] = v
		}
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: readings", ErrMissingField)
	}
	return normalize(readings), nil
}

// normalize 将 json.Number 转为 float64，保持其余类型不变
func normalize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		return normalize(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = normalizeValue(val[i])
		}
		return out
	default:
		return v
	}
}

// 生产者可能发送带或不带时区的 ISO-8601 时间；无时区按 UTC 处理
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp 解析 ISO-8601 时间并统一为 UTC
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// ReadingsJSON 序列化 Readings 为存储用 JSON
func (r *Reading) ReadingsJSON() ([]byte, error) {
	if r.Readings == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Readings)
}
