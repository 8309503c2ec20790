// Package bridge 把入库后的读数转发到合作方 MQTT broker（Home Assistant discovery 格式）
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"owl-telemetry/internal/models"
	"owl-telemetry/owl-common/transport"

	"go.uber.org/zap"
)

const discoveryPrefix = "homeassistant/sensor"

// DiscoveryDevice discovery 中的设备标识
type DiscoveryDevice struct {
	Identifiers []string `json:"identifiers"`
}

// DiscoveryConfig Home Assistant 传感器 discovery 配置
type DiscoveryConfig struct {
	Name              string          `json:"name"`
	StateTopic        string          `json:"state_topic"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	ValueTemplate     string          `json:"value_template"`
	Device            DiscoveryDevice `json:"device"`
}

// Forwarder 合作方转发器；discovery 每设备只发一次（retained）
type Forwarder struct {
	broker transport.Broker
	logger *zap.Logger

	announced sync.Map // objectID -> struct{}
}

// NewForwarder 创建转发器，broker 为已连接的合作方客户端
func NewForwarder(broker transport.Broker, logger *zap.Logger) *Forwarder {
	return &Forwarder{broker: broker, logger: logger}
}

// ObjectID sh_{tenant}_{device}
func ObjectID(tenantID, device string) string {
	return fmt.Sprintf("sh_%s_%s", tenantID, device)
}

// ConfigTopic discovery 主题
func ConfigTopic(tenantID, device string) string {
	return fmt.Sprintf("%s/%s/config", discoveryPrefix, ObjectID(tenantID, device))
}

// StateTopic 状态主题
func StateTopic(tenantID, device string) string {
	return fmt.Sprintf("%s/%s/state", discoveryPrefix, ObjectID(tenantID, device))
}

// NewDiscoveryConfig 按设备类型生成 discovery 配置
func NewDiscoveryConfig(tenantID, device string) DiscoveryConfig {
	unit, template := "", "{{ value_json.readings }}"
	switch device {
	case "smoke_detector":
		unit, template = "ppm", "{{ value_json.readings.smoke_ppm }}"
	case "water_sensor":
		unit, template = "%", "{{ value_json.readings.moisture_percent }}"
	}
	return DiscoveryConfig{
		Name:              fmt.Sprintf("Smart Home %s (%s)", displayName(device), tenantID),
		StateTopic:        StateTopic(tenantID, device),
		UnitOfMeasurement: unit,
		ValueTemplate:     template,
		Device:            DiscoveryDevice{Identifiers: []string{fmt.Sprintf("sh-%s-%s", tenantID, device)}},
	}
}

// Forward 发布 discovery（首次）和状态
func (f *Forwarder) Forward(ctx context.Context, r *models.Reading) error {
	objectID := ObjectID(r.TenantID, r.Device)

	// 1. discovery 配置，保留消息，进程内每设备一次
	if _, loaded := f.announced.LoadOrStore(objectID, struct{}{}); !loaded {
		cfg, err := json.Marshal(NewDiscoveryConfig(r.TenantID, r.Device))
		if err != nil {
			f.announced.Delete(objectID)
			return fmt.Errorf("failed to marshal discovery config: %w", err)
		}
		if err := f.broker.Publish(ConfigTopic(r.TenantID, r.Device), transport.AtMostOnce, true, cfg); err != nil {
			f.announced.Delete(objectID)
			return fmt.Errorf("failed to publish discovery config: %w", err)
		}
		f.logger.Info("Announced device to partner",
			zap.String("tenant_id", r.TenantID),
			zap.String("device", r.Device),
		)
	}

	// 2. 状态
	state, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := f.broker.Publish(StateTopic(r.TenantID, r.Device), transport.AtLeastOnce, false, state); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}
	return nil
}

// displayName smoke_detector -> Smoke Detector
func displayName(device string) string {
	words := strings.Split(device, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
	}
	return strings.Join(words, " ")
}
