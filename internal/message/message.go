// Package message provides the data structures that travel through the pipeline:
// raw device publishes, classified records and delivery dispositions.
package message

import (
	"strings"
	"time"
)

// Payload is the canonical alias for raw message body
type Payload = []byte

// RawRoutingKey tags every unclassified device message on the events exchange.
const RawRoutingKey = "device.data.raw"

// TimestampLayout is the ISO-8601 form records carry (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Raw is one accepted device publish.
type Raw struct {
	Topic      string
	Payload    Payload
	ReceivedAt time.Time
	ClientID   string
}

// TopicSensorID returns the sensor segment of a device/{kind}/{sensorId} topic,
// or "" when the topic has fewer than three levels.
func TopicSensorID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// Type is the semantic type inferred by the classifier.
type Type string

// Known semantic types.
const (
	TypeSoil    Type = "soil"
	TypeWeather Type = "weather"
	TypeUnknown Type = "unknown"
	TypeError   Type = "error"
)

// KnownTypes lists the types that get a typed queue at startup.
var KnownTypes = []Type{TypeSoil, TypeWeather, TypeUnknown, TypeError}

// RoutingKey returns the data exchange routing key for t.
func (t Type) RoutingKey() string {
	return "data." + string(t)
}

// Queue returns the durable queue name bound to t.
func (t Type) Queue() string {
	return string(t) + "-data-queue"
}

// Collection returns the document collection for t (soildatas, weatherdatas, ...).
func (t Type) Collection() string {
	return string(t) + "datas"
}

// Known reports whether t is one of KnownTypes.
func (t Type) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Route returns the type whose queue carries records of t. Custom types
// keep their name in the record but travel on the unknown queue.
func (t Type) Route() Type {
	if t.Known() {
		return t
	}
	return TypeUnknown
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// SoilValue is the normalized soil sensor reading. Absent fields are null.
type SoilValue struct {
	Moisture    *float64 `json:"moisture"`
	PH          *float64 `json:"ph"`
	Nutrient    *float64 `json:"nutrient"`
	Temperature *float64 `json:"temperature"`
}

// WeatherValue is the normalized weather station reading. Absent fields are null.
type WeatherValue struct {
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Rainfall      *float64 `json:"rainfall"`
	WindSpeed     *float64 `json:"windSpeed"`
	WindDirection *float64 `json:"windDirection"`
}

// ErrorValue describes a payload that could not be parsed.
type ErrorValue struct {
	Message    string `json:"message"`
	RawPayload string `json:"rawPayload"`
}

// Record is a classified reading published on the data exchange.
type Record struct {
	Type      Type        `json:"type"`
	Parsed    bool        `json:"parsed"`
	SensorID  string      `json:"sensorId"`
	Timestamp string      `json:"timestamp"`
	Value     interface{} `json:"value"`
	Location  Location    `json:"location"`
	Topic     string      `json:"topic,omitempty"`
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp as produced by FormatTimestamp
// or any RFC 3339 variant.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Disposition is the final state of one queued delivery.
type Disposition int

// Delivery outcomes.
const (
	Acked Disposition = iota
	Requeued
	DeadLettered
	Dropped
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead-lettered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}
