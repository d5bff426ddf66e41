package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/afroash/smartplant/internal/models"
)

var fixedNow = time.Date(2024, 6, 3, 14, 5, 9, 0, time.Local)

func TestDecode_FullDocument(t *testing.T) {
	payload := []byte(`{"timestamp":"2024-06-01 08:00:00","temperature":23.4,"moisture":51,"light":812.5}`)

	r, norm, err := Decode(payload, fixedNow)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	want := models.Reading{Timestamp: "2024-06-01 08:00:00", Temperature: 23.4, Moisture: 51, Light: 812.5}
	if !r.Equal(want) {
		t.Errorf("got %+v, want %+v", r, want)
	}
	if norm.SynthesizedTimestamp {
		t.Error("timestamp should not be synthesized")
	}
	if len(norm.DefaultedFields) != 0 {
		t.Errorf("DefaultedFields = %v, want none", norm.DefaultedFields)
	}
}

func TestDecode_MissingFieldsDefault(t *testing.T) {
	r, norm, err := Decode([]byte(`{"temperature":21.5}`), fixedNow)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if r.Temperature != 21.5 {
		t.Errorf("Temperature = %v, want 21.5", r.Temperature)
	}
	if r.Moisture != 0 || r.Light != 0 {
		t.Errorf("Moisture/Light = %v/%v, want 0/0", r.Moisture, r.Light)
	}
	if r.Timestamp != "2024-06-03 14:05:09" {
		t.Errorf("Timestamp = %q, want synthesized %q", r.Timestamp, "2024-06-03 14:05:09")
	}
	if _, err := time.ParseInLocation(models.TimestampLayout, r.Timestamp, time.Local); err != nil {
		t.Errorf("synthesized timestamp does not match layout: %v", err)
	}
	if !norm.SynthesizedTimestamp {
		t.Error("expected SynthesizedTimestamp")
	}
	if len(norm.DefaultedFields) != 2 {
		t.Errorf("DefaultedFields = %v, want [moisture light]", norm.DefaultedFields)
	}
}

func TestDecode_EmptyObject(t *testing.T) {
	r, _, err := Decode([]byte(`{}`), fixedNow)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := models.Reading{Timestamp: "2024-06-03 14:05:09"}
	if !r.Equal(want) {
		t.Errorf("got %+v, want %+v", r, want)
	}
}

func TestDecode_Timestamp(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		want      string
		synthetic bool
	}{
		{"kept verbatim", `{"timestamp":"yesterday-ish"}`, "yesterday-ish", false},
		{"empty string", `{"timestamp":""}`, "2024-06-03 14:05:09", true},
		{"null", `{"timestamp":null}`, "2024-06-03 14:05:09", true},
		{"number", `{"timestamp":1717400000}`, "2024-06-03 14:05:09", true},
		{"absent", `{"light":3}`, "2024-06-03 14:05:09", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, norm, err := Decode([]byte(tt.payload), fixedNow)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if r.Timestamp != tt.want {
				t.Errorf("Timestamp = %q, want %q", r.Timestamp, tt.want)
			}
			if norm.SynthesizedTimestamp != tt.synthetic {
				t.Errorf("SynthesizedTimestamp = %v, want %v", norm.SynthesizedTimestamp, tt.synthetic)
			}
		})
	}
}

func TestDecode_NumberCoercion(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
	}{
		{"integer", `{"light":12}`, 12},
		{"negative float", `{"light":-3.25}`, -3.25},
		{"numeric string", `{"light":"42.5"}`, 42.5},
		{"padded numeric string", `{"light":" 7 "}`, 7},
		{"true", `{"light":true}`, 1},
		{"false", `{"light":false}`, 0},
		{"word", `{"light":"bright"}`, 0},
		{"null", `{"light":null}`, 0},
		{"object", `{"light":{"lux":5}}`, 0},
		{"array", `{"light":[1,2]}`, 0},
		{"NaN string", `{"light":"NaN"}`, 0},
		{"Inf string", `{"light":"+Inf"}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, err := Decode([]byte(tt.payload), fixedNow)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if r.Light != tt.want {
				t.Errorf("Light = %v, want %v", r.Light, tt.want)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"invalid utf-8", []byte{0xff, 0xfe, '{', '}'}},
		{"not json", []byte(`temperature=21`)},
		{"truncated", []byte(`{"temperature":21`)},
		{"array", []byte(`[1,2,3]`)},
		{"string", []byte(`"hello"`)},
		{"number", []byte(`42`)},
		{"null", []byte(`null`)},
		{"empty", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.payload, fixedNow)
			if err == nil {
				t.Fatal("expected an error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %v is not a *DecodeError", err)
			}
		})
	}
}
