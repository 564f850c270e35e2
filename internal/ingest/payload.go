package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Message kinds, taken from the last subject token.
const (
	KindData   = "data"
	KindStatus = "status"
)

// ParseError reports a device message that could not be decoded or failed
// validation.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return "ingest: " + e.Reason
	}
	return fmt.Sprintf("ingest: %s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

type measurementPayload struct {
	Value *float64 `json:"value" validate:"required"`
	Unit  string   `json:"unit"`
}

type moisturePayload struct {
	Value *float64 `json:"value" validate:"required,gte=0,lte=100"`
	Unit  string   `json:"unit"`
	Depth float64  `json:"depth" validate:"gte=0"`
}

type readingsPayload struct {
	Moisture         *moisturePayload    `json:"moisture" validate:"required"`
	Temperature      *measurementPayload `json:"temperature"`
	Humidity         *measurementPayload `json:"humidity"`
	SoilConductivity *measurementPayload `json:"soilConductivity"`
	PH               *measurementPayload `json:"pH"`
	Rainfall         *measurementPayload `json:"rainfall"`
}

type devicePayload struct {
	Battery  *float64 `json:"battery" validate:"omitempty,gte=0,lte=100"`
	Signal   *float64 `json:"signal"`
	Firmware string   `json:"firmware" validate:"max=64"`
}

// dataPayload accepts the measurements either at the top level or wrapped
// in a "readings" object.
type dataPayload struct {
	Readings *readingsPayload `json:"readings"`
	readingsPayload
	Device *devicePayload `json:"device"`
}

// DataMessage is a decoded telemetry message.
type DataMessage struct {
	Data   storage.ReadingData
	Device storage.DeviceInfo
	// Battery and Signal are set only when the device reported them.
	Battery *storage.Battery
	Signal  *storage.Signal
}

// ParseData decodes and validates a data message body.
func ParseData(raw []byte) (DataMessage, error) {
	var p dataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DataMessage{}, &ParseError{Reason: "decode data payload", Err: err}
	}
	body := p.readingsPayload
	if p.Readings != nil {
		body = *p.Readings
	}
	if err := validate.Struct(body); err != nil {
		return DataMessage{}, &ParseError{Reason: "invalid readings", Err: err}
	}
	if p.Device != nil {
		if err := validate.Struct(p.Device); err != nil {
			return DataMessage{}, &ParseError{Reason: "invalid device info", Err: err}
		}
	}

	msg := DataMessage{
		Data: storage.ReadingData{
			Moisture: storage.Moisture{
				Value: *body.Moisture.Value,
				Unit:  body.Moisture.Unit,
				Depth: body.Moisture.Depth,
			},
			Temperature:      toMeasurement(body.Temperature),
			Humidity:         toMeasurement(body.Humidity),
			SoilConductivity: toMeasurement(body.SoilConductivity),
			PH:               toMeasurement(body.PH),
			Rainfall:         toMeasurement(body.Rainfall),
		},
	}
	if msg.Data.Moisture.Unit == "" {
		msg.Data.Moisture.Unit = "%"
	}
	if d := p.Device; d != nil {
		msg.Device.Firmware = d.Firmware
		if d.Battery != nil {
			msg.Device.Battery = *d.Battery
			msg.Battery = &storage.Battery{Level: *d.Battery}
		}
		if d.Signal != nil {
			msg.Device.Signal = *d.Signal
			msg.Signal = &storage.Signal{Strength: *d.Signal}
		}
	}
	return msg, nil
}

func toMeasurement(m *measurementPayload) *storage.Measurement {
	if m == nil {
		return nil
	}
	return &storage.Measurement{Value: *m.Value, Unit: m.Unit}
}

type batteryPayload struct {
	Level        *float64 `json:"level" validate:"required,gte=0,lte=100"`
	Voltage      float64  `json:"voltage" validate:"gte=0"`
	IsCharging   bool     `json:"isCharging"`
	SolarEnabled bool     `json:"solarEnabled"`
}

type signalPayload struct {
	Strength *float64 `json:"strength" validate:"required"`
	Quality  string   `json:"quality" validate:"omitempty,oneof=excellent good fair poor"`
}

type statusPayload struct {
	Battery *batteryPayload `json:"battery"`
	Signal  *signalPayload  `json:"signal"`
	Health  *string         `json:"health" validate:"omitempty,oneof=healthy warning critical offline"`
}

// StatusMessage is a decoded device status report. Nil fields were not
// reported.
type StatusMessage struct {
	Battery *storage.Battery
	Signal  *storage.Signal
	Health  *storage.Health
}

// ParseStatus decodes and validates a status message body.
func ParseStatus(raw []byte) (StatusMessage, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StatusMessage{}, &ParseError{Reason: "decode status payload", Err: err}
	}
	if err := validate.Struct(p); err != nil {
		return StatusMessage{}, &ParseError{Reason: "invalid status", Err: err}
	}

	var msg StatusMessage
	if b := p.Battery; b != nil {
		msg.Battery = &storage.Battery{
			Level:        *b.Level,
			Voltage:      b.Voltage,
			IsCharging:   b.IsCharging,
			SolarEnabled: b.SolarEnabled,
		}
	}
	if s := p.Signal; s != nil {
		msg.Signal = &storage.Signal{Strength: *s.Strength, Quality: s.Quality}
	}
	if p.Health != nil {
		h := storage.Health(*p.Health)
		msg.Health = &h
	}
	return msg, nil
}

// ErrBadSubject is returned by ParseSubject for subjects outside the device
// namespace.
var ErrBadSubject = errors.New("ingest: unrecognised subject")

// ParseSubject splits "<prefix>.<sensorId>.<kind>" (or the MQTT form with
// "/" separators) into the sensor id and message kind.
func ParseSubject(prefix, subject string) (sensorID, kind string, err error) {
	parts := strings.FieldsFunc(subject, func(r rune) bool { return r == '.' || r == '/' })
	if len(parts) != 3 || parts[0] != prefix {
		return "", "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
	}
	switch parts[2] {
	case KindData, KindStatus:
		return parts[1], parts[2], nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrBadSubject, subject)
}
