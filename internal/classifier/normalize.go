package classifier

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ibs-source/telemetry-pipeline/internal/message"
)

// fields is a decoded JSON object. Numbers are kept as json.Number.
type fields map[string]interface{}

// has reports whether any of keys is present with a non-null value.
func (f fields) has(keys ...string) bool {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// number returns the first of keys holding a numeric value, or nil.
func (f fields) number(keys ...string) *float64 {
	for _, k := range keys {
		if n, ok := toFloat(f[k]); ok {
			return &n
		}
	}
	return nil
}

// direction is number with compass points accepted.
func (f fields) direction(keys ...string) *float64 {
	for _, k := range keys {
		if n, ok := toFloat(f[k]); ok {
			return &n
		}
		if s, ok := f[k].(string); ok {
			if deg, ok := compass[strings.ToUpper(strings.TrimSpace(s))]; ok {
				return &deg
			}
		}
	}
	return nil
}

// compass maps the 16 wind rose points to degrees.
var compass = map[string]float64{
	"N": 0, "NNE": 22.5, "NE": 45, "ENE": 67.5,
	"E": 90, "ESE": 112.5, "SE": 135, "SSE": 157.5,
	"S": 180, "SSW": 202.5, "SW": 225, "WSW": 247.5,
	"W": 270, "WNW": 292.5, "NW": 315, "NNW": 337.5,
}

func toFloat(v interface{}) (float64, bool) {
	var n float64
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case float64:
		n = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// sensorID resolves the sensor identifier: payload field, then the last
// topic segment, then "unknown".
func (f fields) sensorID(topic string) string {
	for _, k := range []string{"sensorId", "sensor_id", "sensorID"} {
		switch v := f[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	if id := message.TopicSensorID(topic); id != "" {
		return id
	}
	return unknownSensor
}

const unknownSensor = "unknown"

// Epoch values above this are taken as milliseconds.
const epochMillisThreshold = 1e11

// timestamp resolves the reading time, falling back to received.
func (f fields) timestamp(received time.Time) string {
	if t, ok := parseTime(f["timestamp"]); ok {
		return message.FormatTimestamp(t)
	}
	return message.FormatTimestamp(received)
}

func parseTime(v interface{}) (time.Time, bool) {
	if s, ok := v.(string); ok {
		if t, err := message.ParseTimestamp(strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	n, ok := toFloat(v)
	if !ok || n <= 0 {
		return time.Time{}, false
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// location resolves {lat,lng}, defaulting to the origin.
func (f fields) location() message.Location {
	obj, ok := f["location"].(map[string]interface{})
	if !ok {
		return message.Location{}
	}
	loc := fields(obj)
	var out message.Location
	if lat := loc.number("lat", "latitude"); lat != nil {
		out.Lat = *lat
	}
	if lng := loc.number("lng", "lon", "long", "longitude"); lng != nil {
		out.Lng = *lng
	}
	return out
}

// typeName normalizes an explicit type into a routing key segment. It returns
// "" when nothing usable remains.
func typeName(s string) message.Type {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return message.Type(strings.Trim(b.String(), "_"))
}
