// Package storage provides the PostgreSQL-backed persistence layer for the
// sentinel server. It exposes typed model structs for the sensors, readings,
// alerts and recipients tables and a Store that wraps a pgxpool connection
// pool.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned by compare-and-set updates when the row exists
	// but is not in one of the expected states.
	ErrConflict = errors.New("storage: state conflict")
)

// Severity is the urgency of an alert and the subscription level of a
// recipient. The declaration order below is the escalation order.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from least to most urgent.
var Severities = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in Severities, or -1 if s is unknown.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
	StatusFalseAlarm   AlertStatus = "false_alarm"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved, StatusFalseAlarm:
		return true
	}
	return false
}

// AlertType is the category of condition an alert reports.
type AlertType string

const (
	AlertTypeMoisture    AlertType = "moisture"
	AlertTypeLandslide   AlertType = "landslide"
	AlertTypeFlood       AlertType = "flood"
	AlertTypeAvalanche   AlertType = "avalanche"
	AlertTypeElectrical  AlertType = "electrical"
	AlertTypeSensorFault AlertType = "sensor_fault"
	AlertTypeSystem      AlertType = "system"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeMoisture, AlertTypeLandslide, AlertTypeFlood, AlertTypeAvalanche,
		AlertTypeElectrical, AlertTypeSensorFault, AlertTypeSystem:
		return true
	}
	return false
}

// RiskLevel is the categorical soil condition derived from a moisture value.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Trend is the direction of moisture change over a lookback window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Health is the operator-facing condition of a sensor.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	HealthOffline  Health = "offline"
)

// Valid reports whether h is a known health value.
func (h Health) Valid() bool {
	switch h {
	case HealthHealthy, HealthWarning, HealthCritical, HealthOffline:
		return true
	}
	return false
}

// Thresholds are the four ascending moisture band boundaries of a sensor.
type Thresholds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultThresholds apply to sensors without a valid configuration.
var DefaultThresholds = Thresholds{Low: 20, Medium: 40, High: 60, Critical: 80}

// Valid reports whether the thresholds are positive and strictly increasing.
func (t Thresholds) Valid() bool {
	return t.Low > 0 && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical
}

// OrDefault returns t when valid, DefaultThresholds otherwise.
func (t Thresholds) OrDefault() Thresholds {
	if t.Valid() {
		return t
	}
	return DefaultThresholds
}

// Battery is the power state last reported by a sensor.
type Battery struct {
	Level        float64 `json:"level"`
	Voltage      float64 `json:"voltage,omitempty"`
	IsCharging   bool    `json:"is_charging,omitempty"`
	SolarEnabled bool    `json:"solar_enabled,omitempty"`
}

// Signal is the radio link quality last reported by a sensor.
type Signal struct {
	Strength float64 `json:"strength"`
	Quality  string  `json:"quality,omitempty"`
}

// SensorStatus holds the liveness fields written by the ingestion gateway and
// the health monitor.
type SensorStatus struct {
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Battery  Battery    `json:"battery"`
	Signal   Signal     `json:"signal"`
	Health   Health     `json:"health"`
}

// Sensor maps to the `sensors` table.
type Sensor struct {
	SensorID   string       `json:"sensor_id"`
	Name       string       `json:"name"`
	Region     string       `json:"region,omitempty"`
	Address    string       `json:"address,omitempty"`
	Thresholds Thresholds   `json:"thresholds"`
	IsActive   bool         `json:"is_active"`
	Status     SensorStatus `json:"status"`
}

// LivenessUpdate is the set of sensor status fields touched by one inbound
// device message. Nil pointers leave the stored value unchanged.
type LivenessUpdate struct {
	SeenAt  time.Time
	Battery *Battery
	Signal  *Signal
	Health  *Health
}

// Measurement is a single optional secondary reading value.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Moisture is the primary reading value, in percent.
type Moisture struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Depth float64 `json:"depth,omitempty"`
}

// ReadingData is the measured portion of a reading.
type ReadingData struct {
	Moisture         Moisture     `json:"moisture"`
	Temperature      *Measurement `json:"temperature,omitempty"`
	Humidity         *Measurement `json:"humidity,omitempty"`
	SoilConductivity *Measurement `json:"soil_conductivity,omitempty"`
	PH               *Measurement `json:"ph,omitempty"`
	Rainfall         *Measurement `json:"rainfall,omitempty"`
}

// Calculated holds the fields derived at ingestion time.
type Calculated struct {
	RiskLevel       RiskLevel  `json:"risk_level"`
	RiskScore       int        `json:"risk_score"`
	Trend           Trend      `json:"trend"`
	ChangeRate      float64    `json:"change_rate"`
	PredictedBreach *time.Time `json:"predicted_breach,omitempty"`
}

// Quality carries reading plausibility flags.
type Quality struct {
	Anomaly bool `json:"anomaly"`
}

// DeviceInfo is the device telemetry attached to a data message.
type DeviceInfo struct {
	Battery  float64 `json:"battery,omitempty"`
	Signal   float64 `json:"signal,omitempty"`
	Firmware string  `json:"firmware,omitempty"`
}

// Reading maps to the `readings` table. Rows are append-only.
type Reading struct {
	ReadingID  string      `json:"reading_id"`
	SensorID   string      `json:"sensor_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       ReadingData `json:"data"`
	Calculated Calculated  `json:"calculated"`
	Quality    Quality     `json:"quality"`
	Device     DeviceInfo  `json:"device"`
}

// Trigger is the snapshot of the condition that raised an alert.
type Trigger struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Condition string  `json:"condition"`
}

// Message is the human-facing text of an alert.
type Message struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Actionable  string `json:"actionable,omitempty"`
}

// NotificationRecord is one entry of an alert's notification audit trail.
type NotificationRecord struct {
	Channel    string    `json:"channel"`
	Status     string    `json:"status"`
	SentAt     time.Time `json:"sent_at"`
	Recipients []string  `json:"recipients"`
}

// Notification record statuses.
const (
	DeliverySent    = "sent"
	DeliveryPartial = "partial"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
)

// Notifications is the notification audit of an alert.
type Notifications struct {
	Sent           bool                 `json:"sent"`
	Channels       []NotificationRecord `json:"channels"`
	// FailedAttempts counts individual recipient deliveries that failed,
	// summed over every dispatch of the alert. It is not a retry counter.
	FailedAttempts int                  `json:"failed_attempts"`
}

// Acknowledgment records who acknowledged an alert and when.
type Acknowledgment struct {
	By    string    `json:"by"`
	At    time.Time `json:"at"`
	Notes string    `json:"notes,omitempty"`
}

// Resolution records who resolved an alert and how.
type Resolution struct {
	By         string    `json:"by"`
	At         time.Time `json:"at"`
	Resolution string    `json:"resolution,omitempty"`
	FalseAlarm bool      `json:"false_alarm"`
	Feedback   string    `json:"feedback,omitempty"`
}

// DefaultPriority is assigned to alerts created without an explicit priority.
const DefaultPriority = 5

// Alert maps to the `alerts` table.
type Alert struct {
	AlertID        string          `json:"alert_id"`
	Type           AlertType       `json:"type"`
	Severity       Severity        `json:"severity"`
	Status         AlertStatus     `json:"status"`
	SensorID       string          `json:"sensor_id,omitempty"`
	ReadingID      string          `json:"reading_id,omitempty"`
	Trigger        *Trigger        `json:"trigger,omitempty"`
	Message        Message         `json:"message"`
	Notifications  Notifications   `json:"notifications"`
	Acknowledgment *Acknowledgment `json:"acknowledgment,omitempty"`
	Resolution     *Resolution     `json:"resolution,omitempty"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AlertPatch carries the administratively editable fields of an alert. Nil
// fields are left unchanged.
type AlertPatch struct {
	Severity    *Severity    `json:"severity,omitempty"`
	Status      *AlertStatus `json:"status,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Actionable  *string      `json:"actionable,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AlertPatch) Empty() bool {
	return p.Severity == nil && p.Status == nil && p.Priority == nil &&
		p.Title == nil && p.Description == nil && p.Actionable == nil
}

// Transition is a compare-and-set status change. The update applies only if
// the current status is one of From.
type Transition struct {
	From           []AlertStatus
	To             AlertStatus
	Acknowledgment *Acknowledgment
	Resolution     *Resolution
	At             time.Time
}

// AlertQuery carries the filter and pagination parameters for QueryAlerts.
// Zero-valued filters match everything. Limit defaults to 100 when <= 0.
type AlertQuery struct {
	SensorID string
	Status   *AlertStatus
	Severity *Severity
	Limit    int
	Offset   int
}

// StatsBucket is one (type, severity, status) group of AlertStats.
type StatsBucket struct {
	Type     AlertType   `json:"type"`
	Severity Severity    `json:"severity"`
	Status   AlertStatus `json:"status"`
	Count    int         `json:"count"`
}

// AlertStats summarises alert volume since a point in time. Active counts
// every currently active alert regardless of age.
type AlertStats struct {
	Since     time.Time     `json:"since"`
	Total     int           `json:"total"`
	Active    int           `json:"active"`
	Resolved  int           `json:"resolved"`
	Breakdown []StatsBucket `json:"breakdown"`
}

// Recipient maps to the `recipients` table: a person who receives alert
// notifications at or above AlertLevel.
type Recipient struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Email        string   `json:"email,omitempty" yaml:"email"`
	Phone        string   `json:"phone,omitempty" yaml:"phone"`
	Active       bool     `json:"active" yaml:"active"`
	EmailEnabled bool     `json:"email_enabled" yaml:"email_enabled"`
	SMSEnabled   bool     `json:"sms_enabled" yaml:"sms_enabled"`
	AlertLevel   Severity `json:"alert_level" yaml:"alert_level"`
}
