package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/afroash/smartplant/internal/models"
)

// Inbound document keys
const (
	keyTimestamp   = "timestamp"
	keyTemperature = "temperature"
	keyMoisture    = "moisture"
	keyLight       = "light"
)

var (
	errFieldMissing    = errors.New("field missing")
	errFieldNotNumeric = errors.New("field is not numeric")
)

// DecodeError reports an inbound payload that is not a usable document.
// Messages that fail this way are dropped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Normalization describes which fallbacks were applied while decoding.
type Normalization struct {
	SynthesizedTimestamp bool
	// DefaultedFields lists numeric fields that were missing or unusable and became 0.
	DefaultedFields []string
}

// Decode turns a raw message payload into a normalized Reading.
//
// The payload must be UTF-8 JSON holding an object; anything else is a
// *DecodeError. Inside the object nothing is fatal: a missing or empty
// timestamp is replaced by receivedAt, and each numeric field that is
// missing or cannot be read as a finite number becomes 0.
func Decode(payload []byte, receivedAt time.Time) (models.Reading, Normalization, error) {
	var norm Normalization

	doc, err := parseDocument(payload)
	if err != nil {
		return models.Reading{}, norm, err
	}

	reading := models.Reading{}

	ts, err := stringField(doc, keyTimestamp)
	if err != nil || ts == "" {
		ts = models.FormatTimestamp(receivedAt)
		norm.SynthesizedTimestamp = true
	}
	reading.Timestamp = ts

	fields := []struct {
		key string
		dst *float64
	}{
		{keyTemperature, &reading.Temperature},
		{keyMoisture, &reading.Moisture},
		{keyLight, &reading.Light},
	}
	for _, f := range fields {
		v, err := numberField(doc, f.key)
		if err != nil {
			v = 0
			norm.DefaultedFields = append(norm.DefaultedFields, f.key)
		}
		*f.dst = v
	}

	return reading, norm, nil
}

// parseDocument validates the encoding and parses the top-level JSON object
func parseDocument(payload []byte) (map[string]json.RawMessage, error) {
	if !utf8.Valid(payload) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &DecodeError{Reason: "payload is not a JSON object", Err: err}
	}
	// "null" unmarshals without error into a nil map
	if doc == nil {
		return nil, &DecodeError{Reason: "payload is null"}
	}

	return doc, nil
}

// stringField returns doc[key] when it holds a JSON string
func stringField(doc map[string]json.RawMessage, key string) (string, error) {
	raw, ok := doc[key]
	if !ok {
		return "", errFieldMissing
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return s, nil
}

// numberField coerces doc[key] to a finite float64.
// Accepted: JSON numbers, strings holding a number, and booleans (1 or 0).
func numberField(doc map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := doc[key]
	if !ok {
		return 0, errFieldMissing
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%s: %w", key, errFieldNotNumeric)
	}

	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, errFieldNotNumeric)
		}
		f = parsed
	case bool:
		if t {
			f = 1
		}
	default:
		return 0, fmt.Errorf("%s: %w", key, errFieldNotNumeric)
	}

	// NaN and Inf can be neither stored as REAL nor encoded as JSON
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s: %w", key, errFieldNotNumeric)
	}
	return f, nil
}
