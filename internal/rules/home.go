package rules

import (
	"owl-telemetry/internal/models"
)

func homeRules() []Rule {
	return []Rule{
		{
			Name:     "smoke",
			Device:   "smoke_detector",
			Severity: models.SeverityCritical,
			Match: func(r *models.Reading) (string, bool) {
				smoke := number(r.Readings, "smoke_ppm", 0)
				if flag(r.Readings, "alarm") || smoke > 50 {
					return "Smoke detected! " + formatNumber(smoke) + "ppm - Potential fire risk.", true
				}
				return "", false
			},
		},
		{
			Name:     "water_leak",
			Device:   "water_sensor",
			Severity: models.SeverityCritical,
			Match: func(r *models.Reading) (string, bool) {
				moisture := number(r.Readings, "moisture_percent", 0)
				if flag(r.Readings, "leak_detected") || moisture > 50 {
					return "Water leak detected! Moisture: " + formatNumber(moisture) + "%.", true
				}
				return "", false
			},
		},
		{
			Name:     "freezing",
			Device:   "temperature_sensor",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if temp := number(r.Readings, "temp_C", 21); temp < 10 {
					return "Freezing temperature: " + formatNumber(temp) + "°C - Risk of pipe burst.", true
				}
				return "", false
			},
		},
		{
			Name:     "overheating",
			Device:   "temperature_sensor",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if temp := number(r.Readings, "temp_C", 21); temp > 30 {
					return "High temperature: " + formatNumber(temp) + "°C - Overheating risk.", true
				}
				return "", false
			},
		},
		{
			Name:     "humidity",
			Device:   "humidity_sensor",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if humidity := number(r.Readings, "humidity_percent", 50); humidity > 70 {
					return "High humidity: " + formatNumber(humidity) + "% - Mold risk alert.", true
				}
				return "", false
			},
		},
		{
			Name:     "door_open",
			Device:   "door_sensor",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if text(r.Readings, "state", "closed") == "open" {
					return "Door left open - Security breach or ventilation issue.", true
				}
				return "", false
			},
		},
		{
			Name:     "motion",
			Device:   "motion_detector",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if flag(r.Readings, "motion_detected") {
					return "Unexpected motion detected - Potential intrusion.", true
				}
				return "", false
			},
		},
	}
}
