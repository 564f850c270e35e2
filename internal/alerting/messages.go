package alerting

import (
	"fmt"
	"time"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// MoistureMessage describes a high or critical moisture breach.
func MoistureMessage(sensorID string, level storage.RiskLevel, value float64) storage.Message {
	if level == storage.RiskCritical {
		return storage.Message{
			Title:       "Critical Moisture Level Detected",
			Description: fmt.Sprintf("Sensor %s has detected critical moisture level of %v%%. Immediate action required.", sensorID, value),
			Actionable:  "Evacuate area, alert authorities, monitor for landslide/flood risk",
		}
	}
	return storage.Message{
		Title:       "High Moisture Level Alert",
		Description: fmt.Sprintf("Sensor %s has detected high moisture level of %v%%. Monitor closely.", sensorID, value),
		Actionable:  "Increase monitoring frequency, prepare for potential evacuation",
	}
}

// OfflineMessage describes a sensor that stopped reporting.
func OfflineMessage(s storage.Sensor) storage.Message {
	lastSeen := "never"
	if s.Status.LastSeen != nil {
		lastSeen = s.Status.LastSeen.UTC().Format(time.RFC3339)
	}
	return storage.Message{
		Title:       "Sensor Offline",
		Description: fmt.Sprintf("Sensor %s (%s) has gone offline. Last seen %s.", s.SensorID, s.Name, lastSeen),
		Actionable:  "Check sensor connectivity, battery, and physical condition",
	}
}

// LowBatteryMessage describes a sensor running out of power.
func LowBatteryMessage(sensorID string, level float64) storage.Message {
	return storage.Message{
		Title:       "Low Battery Warning",
		Description: fmt.Sprintf("Sensor %s battery level is at %v%%. Recharge or replace soon.", sensorID, level),
		Actionable:  "Replace battery or ensure solar charging is functioning",
	}
}
