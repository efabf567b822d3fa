// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestNormalize_CanonicalForms(t *testing.T) {
	type label string
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 7, int64(7)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"named string", label("x"), "x"},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"nil typed slice", []int(nil), nil},
		{"array", [2]bool{true, false}, []any{true, false}},
		{"nested map", map[string][]int{"k": {1}}, map[string]any{"k": []any{int64(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize(%#v) error: %v", tt.in, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Normalize(%#v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_RejectsOutsideKindSet(t *testing.T) {
	type point struct{ X int }
	type label string
	tests := []struct {
		name     string
		in       any
		wantPath string
	}{
		{"struct", point{1}, "$"},
		{"pointer", new(int), "$"},
		{"func", func() {}, "$"},
		{"bytes", []byte("x"), "$"},
		{"int keys", map[int]string{1: "a"}, "$"},
		{"nested chan", []any{"ok", make(chan int)}, "$[1]"},
		{"uint overflow", uint64(1 << 63), "$"},
		{"invalid utf8", []any{"ok", "\xff\xfea"}, "$[1]"},
		{"invalid utf8 key", map[string]any{"\xff": int64(1)}, "$"},
		{"invalid utf8 named", []label{"\x80"}, "$[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.in)
			var se *SerializationError
			if !errors.As(err, &se) {
				t.Fatalf("expected *SerializationError, got %v", err)
			}
			if se.Path != tt.wantPath {
				t.Fatalf("error path = %q, want %q", se.Path, tt.wantPath)
			}
		})
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	var c Codec
	env := Envelope{
		Op:         "jwrite",
		Args:       []any{"data.json", map[string]any{"n": 1, "tags": []string{"a"}}},
		Kwargs:     map[string]any{"append": false, "ratio": 0.25},
		TxID:       "tx-1",
		ResultPath: ".dispatch.result.tx-1",
	}
	text, err := c.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	if strings.ContainsAny(text, " '\"\n$`\\") {
		t.Fatalf("encoded text is not shell-safe: %q", text)
	}
	got, err := c.DecodeEnvelope(text)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	want := Envelope{
		Op:         "jwrite",
		Args:       []any{"data.json", map[string]any{"n": int64(1), "tags": []any{"a"}}},
		Kwargs:     map[string]any{"append": false, "ratio": 0.25},
		TxID:       "tx-1",
		ResultPath: ".dispatch.result.tx-1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestEnvelope_RejectsBeforeEncoding(t *testing.T) {
	var c Codec
	_, err := c.EncodeEnvelope(Envelope{Op: "fwrite", Args: []any{"f", struct{}{}}})
	var se *SerializationError
	if !errors.As(err, &se) || se.Path != "args[1]" {
		t.Fatalf("expected SerializationError at args[1], got %v", err)
	}
	if _, err := c.EncodeEnvelope(Envelope{}); err == nil {
		t.Fatal("expected error for empty op")
	}
}

func TestResult_CompressedRoundTrip(t *testing.T) {
	c := Codec{CompressThreshold: 16}
	big := strings.Repeat("honk ", 500)
	text, err := c.EncodeResult(Result{TxID: "t", Value: big})
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	raw, _ := base64.RawURLEncoding.DecodeString(text)
	if raw[1]&flagZstd == 0 {
		t.Fatal("expected zstd flag on large payload")
	}
	if len(text) >= len(big) {
		t.Fatalf("expected compression, text=%d raw=%d", len(text), len(big))
	}
	got, err := Codec{}.DecodeResult(text + "\n")
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if got.Value != big || got.TxID != "t" {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	var c Codec
	wrongVersion := base64.RawURLEncoding.EncodeToString([]byte{9, 0, 0xa0})
	for name, text := range map[string]string{
		"empty":         "   ",
		"not base64":    "***",
		"short":         base64.RawURLEncoding.EncodeToString([]byte{1}),
		"wrong version": wrongVersion,
		"bad cbor":      base64.RawURLEncoding.EncodeToString([]byte{1, 0, 0xff}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeResult(text)
			var se *SerializationError
			if !errors.As(err, &se) {
				t.Fatalf("expected SerializationError, got %v", err)
			}
		})
	}
}
