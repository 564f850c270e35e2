// Package events defines the real-time events the pipeline emits and the
// sinks that carry them to dashboard subscribers.
package events

import (
	"time"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Event names.
const (
	ReadingNew        = "reading:new"
	RiskAlert         = "risk:alert"
	AlertNew          = "alert:new"
	AlertUpdated      = "alert:updated"
	AlertAcknowledged = "alert:acknowledged"
	AlertResolved     = "alert:resolved"
	SensorStatus      = "sensor:status"
)

// Event is one named state transition. Payload is JSON-encodable.
type Event struct {
	Name    string    `json:"type"`
	Payload any       `json:"data"`
	At      time.Time `json:"at"`
}

// Publisher is a fire-and-forget event sink. Implementations must not block
// the caller on slow consumers and must be safe for concurrent use.
type Publisher interface {
	Publish(evt Event)
}

// ReadingPayload accompanies ReadingNew.
type ReadingPayload struct {
	SensorID string          `json:"sensorId"`
	Reading  storage.Reading `json:"reading"`
}

// RiskPayload accompanies RiskAlert.
type RiskPayload struct {
	SensorID      string            `json:"sensorId"`
	RiskLevel     storage.RiskLevel `json:"riskLevel"`
	MoistureValue float64           `json:"moistureValue"`
}

// AlertPayload accompanies the alert:* events.
type AlertPayload struct {
	Alert storage.Alert `json:"alert"`
}

// SensorStatusPayload accompanies SensorStatus.
type SensorStatusPayload struct {
	SensorID string               `json:"sensorId"`
	Status   storage.SensorStatus `json:"status"`
}

// NewReading builds a ReadingNew event.
func NewReading(r storage.Reading) Event {
	return Event{Name: ReadingNew, Payload: ReadingPayload{SensorID: r.SensorID, Reading: r}, At: time.Now().UTC()}
}

// NewRisk builds a RiskAlert event.
func NewRisk(sensorID string, level storage.RiskLevel, value float64) Event {
	return Event{
		Name:    RiskAlert,
		Payload: RiskPayload{SensorID: sensorID, RiskLevel: level, MoistureValue: value},
		At:      time.Now().UTC(),
	}
}

// NewAlert builds one of the alert:* events.
func NewAlert(name string, a storage.Alert) Event {
	return Event{Name: name, Payload: AlertPayload{Alert: a}, At: time.Now().UTC()}
}

// NewSensorStatus builds a SensorStatus event.
func NewSensorStatus(sensorID string, st storage.SensorStatus) Event {
	return Event{Name: SensorStatus, Payload: SensorStatusPayload{SensorID: sensorID, Status: st}, At: time.Now().UTC()}
}

// Fanout publishes every event to each of its sinks in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(evt)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

// Recorder keeps every published event in memory. Tests use it to assert on
// emitted events.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder buffering up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

// Publish implements Publisher. Events beyond the buffer are dropped.
func (r *Recorder) Publish(evt Event) {
	select {
	case r.ch <- evt:
	default:
	}
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Names returns the names of Drain's events.
func (r *Recorder) Names() []string {
	evts := r.Drain()
	names := make([]string, len(evts))
	for i, e := range evts {
		names[i] = e.Name
	}
	return names
}
