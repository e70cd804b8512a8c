// Package classifier infers the semantic type of raw device payloads and
// normalizes them into records for the typed queues.
package classifier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

var errEmptyPayload = errors.New("empty payload")

// rule maps a decoded payload to a record when it matches. Rules are tried in
// order and the first match wins.
type rule struct {
	name  string
	match func(f fields) bool
	build func(f fields, raw message.Raw) message.Record
}

// soilTriggers and weatherTriggers select the heuristic rules. Soil is
// evaluated first so it wins when a payload carries both.
var (
	soilTriggers    = []string{"soil_moisture", "soilMoisture", "ph"}
	weatherTriggers = []string{"temperature", "humidity", "rainfall"}
)

var rules = []rule{
	{
		name:  "explicit-soil",
		match: func(f fields) bool { return explicitType(f) == message.TypeSoil },
		build: soilRecord,
	},
	{
		name:  "explicit-weather",
		match: func(f fields) bool { return explicitType(f) == message.TypeWeather },
		build: weatherRecord,
	},
	{
		name:  "explicit-other",
		match: func(f fields) bool { return explicitType(f) != "" },
		build: passThroughRecord,
	},
	{
		name:  "heuristic-soil",
		match: func(f fields) bool { return f.has(soilTriggers...) },
		build: soilRecord,
	},
	{
		name:  "heuristic-weather",
		match: func(f fields) bool { return f.has(weatherTriggers...) },
		build: weatherRecord,
	},
	{
		name:  "unknown",
		match: func(fields) bool { return true },
		build: unknownRecord,
	},
}

// explicitType returns the normalized type field, or "" when absent. Numeric
// and true boolean types are taken by their literal; zero, false, null,
// objects and arrays count as absent.
func explicitType(f fields) message.Type {
	switch v := f["type"].(type) {
	case string:
		return typeName(v)
	case json.Number:
		if n, err := v.Float64(); err == nil && n == 0 {
			return ""
		}
		return typeName(v.String())
	case bool:
		if v {
			return typeName("true")
		}
	}
	return ""
}

// Classify turns a raw device publish into exactly one record. It never fails:
// payloads that do not parse become error records.
func Classify(raw message.Raw) message.Record {
	rec, _ := classify(raw)
	return rec
}

// classify also reports the matching rule name for logging.
func classify(raw message.Raw) (message.Record, string) {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}

	payload := bytes.TrimSpace(raw.Payload)
	if len(payload) == 0 {
		return errorRecord(raw, errEmptyPayload), "error"
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return errorRecord(raw, err), "error"
	}
	if dec.More() {
		return errorRecord(raw, fmt.Errorf("trailing data after JSON value")), "error"
	}

	obj, ok := decoded.(map[string]interface{})
	if !ok {
		// Arrays and scalars carry no fields to classify on.
		return message.Record{
			Type:      message.TypeUnknown,
			Parsed:    true,
			SensorID:  fields(nil).sensorID(raw.Topic),
			Timestamp: message.FormatTimestamp(raw.ReceivedAt),
			Value:     decoded,
			Topic:     raw.Topic,
		}, "non-object"
	}

	f := fields(obj)
	for _, r := range rules {
		if r.match(f) {
			return r.build(f, raw), r.name
		}
	}
	return unknownRecord(f, raw), "unknown"
}

func envelope(typ message.Type, f fields, raw message.Raw) message.Record {
	return message.Record{
		Type:      typ,
		Parsed:    true,
		SensorID:  f.sensorID(raw.Topic),
		Timestamp: f.timestamp(raw.ReceivedAt),
		Location:  f.location(),
		Topic:     raw.Topic,
	}
}

func soilRecord(f fields, raw message.Raw) message.Record {
	rec := envelope(message.TypeSoil, f, raw)
	rec.Value = message.SoilValue{
		Moisture:    f.number("soil_moisture", "soilMoisture", "moisture"),
		PH:          f.number("ph", "pH"),
		Nutrient:    f.number("nutrient", "nutrients"),
		Temperature: f.number("soil_temp", "soilTemp", "soil_temperature", "temperature"),
	}
	return rec
}

func weatherRecord(f fields, raw message.Raw) message.Record {
	rec := envelope(message.TypeWeather, f, raw)
	rec.Value = message.WeatherValue{
		Temperature:   f.number("temperature", "temp"),
		Humidity:      f.number("humidity"),
		Rainfall:      f.number("rainfall", "rain"),
		WindSpeed:     f.number("windSpeed", "wind_speed"),
		WindDirection: f.direction("windDirection", "wind_direction"),
	}
	return rec
}

// passThroughRecord keeps a custom type and its value field as sent.
func passThroughRecord(f fields, raw message.Raw) message.Record {
	rec := envelope(explicitType(f), f, raw)
	if v, ok := f["value"]; ok && v != nil {
		rec.Value = v
	} else {
		rec.Value = map[string]interface{}{}
	}
	return rec
}

// unknownRecord carries the whole original payload as the value. Numbers
// stay json.Number so they encode as the literal the device sent.
func unknownRecord(f fields, raw message.Raw) message.Record {
	rec := envelope(message.TypeUnknown, f, raw)
	rec.Value = map[string]interface{}(f)
	return rec
}

func errorRecord(raw message.Raw, err error) message.Record {
	return message.Record{
		Type:      message.TypeError,
		Parsed:    false,
		SensorID:  fields(nil).sensorID(raw.Topic),
		Timestamp: message.FormatTimestamp(raw.ReceivedAt),
		Value: message.ErrorValue{
			Message:    err.Error(),
			RawPayload: string(raw.Payload),
		},
		Topic: raw.Topic,
	}
}
