package rules

import (
	"owl-telemetry/internal/models"
)

func kitchenRules(coThreshold float64) []Rule {
	return []Rule{
		{
			Name:     "oven_overheat",
			Device:   "oven",
			Severity: models.SeverityCritical,
			Match: func(r *models.Reading) (string, bool) {
				if temp := number(r.Readings, "temperature_C", 0); temp > 200 {
					return r.Device + " - Temp spiked to " + formatNumber(temp) + "°C!", true
				}
				return "", false
			},
		},
		{
			Name:     "carbon_monoxide",
			Severity: models.SeverityWarning,
			Match: func(r *models.Reading) (string, bool) {
				if co := number(r.Readings, "CO_ppm", 0); co > coThreshold {
					return r.Device + " - CO spiked to " + formatNumber(co) + "ppm!", true
				}
				return "", false
			},
		},
	}
}
