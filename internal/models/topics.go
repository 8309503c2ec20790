package models

import "fmt"

// DeviceTopic 设备入站主题 {tenant}/{domain}/{device}
func DeviceTopic(tenantID, domain, device string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, domain, device)
}

// DeviceTopics 租户在域内需要订阅的全部主题
func DeviceTopics(tenantID, domain string) ([]string, error) {
	devices, err := Devices(domain)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(devices))
	for _, device := range devices {
		topics = append(topics, DeviceTopic(tenantID, domain, device))
	}
	return topics, nil
}

// AlertTopic 报警出站主题 {domain}/alerts，perTenant 时加租户前缀
func AlertTopic(tenantID, domain string, perTenant bool) string {
	if perTenant {
		return fmt.Sprintf("%s/%s/alerts", tenantID, domain)
	}
	return domain + "/alerts"
}
