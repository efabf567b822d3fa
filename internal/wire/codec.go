// Copyright (c) 2026 ToeiRei
// rcall - remote call dispatch over SSH
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// FormatVersion is written in the first byte of every frame. Decoders reject
// frames carrying any other version.
const FormatVersion byte = 1

// DefaultCompressThreshold is the CBOR payload size above which frames are
// zstd-compressed.
const DefaultCompressThreshold = 1024

const flagZstd byte = 1 << 0

// Envelope is a call packaged for the companion dispatcher.
type Envelope struct {
	Op     string         `cbor:"1,keyasint"`
	Args   []any          `cbor:"2,keyasint,omitempty"`
	Kwargs map[string]any `cbor:"3,keyasint,omitempty"`
	// TxID identifies the transfer slot of this call.
	TxID string `cbor:"4,keyasint"`
	// ResultPath is where the companion writes the encoded Result, relative
	// to its working directory unless absolute.
	ResultPath string `cbor:"5,keyasint"`
}

// Result is what the companion writes back for one Envelope.
type Result struct {
	TxID  string `cbor:"1,keyasint"`
	Value any    `cbor:"2,keyasint"`
	// Error carries the operation's failure message; Value is nil when set.
	Error string `cbor:"3,keyasint,omitempty"`
}

// Codec turns envelopes and results into shell-safe text and back.
// The zero value is usable and compresses above DefaultCompressThreshold.
type Codec struct {
	// CompressThreshold overrides DefaultCompressThreshold. Negative disables
	// compression.
	CompressThreshold int
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: cbor encoder options: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("wire: cbor decoder options: " + err.Error())
	}
}

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return zstdEnc, zstdDec, zstdErr
}

// EncodeEnvelope validates and encodes env. Values outside the closed kind set
// fail here, before anything reaches a transport.
func (c Codec) EncodeEnvelope(env Envelope) (string, error) {
	if env.Op == "" {
		return "", &SerializationError{Path: "op", Reason: "operation name is empty"}
	}
	args, kwargs, err := NormalizeArgs(env.Args, env.Kwargs)
	if err != nil {
		return "", err
	}
	env.Args, env.Kwargs = args, kwargs
	return c.encode(env)
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func (c Codec) DecodeEnvelope(text string) (Envelope, error) {
	var env Envelope
	if err := c.decode(text, &env); err != nil {
		return Envelope{}, err
	}
	if env.Op == "" {
		return Envelope{}, &SerializationError{Path: "op", Reason: "decoded envelope has no operation"}
	}
	return env, nil
}

// EncodeResult validates and encodes r.
func (c Codec) EncodeResult(r Result) (string, error) {
	v, err := normalize(r.Value, "result")
	if err != nil {
		return "", err
	}
	r.Value = v
	return c.encode(r)
}

// DecodeResult is the inverse of EncodeResult.
func (c Codec) DecodeResult(text string) (Result, error) {
	var r Result
	if err := c.decode(text, &r); err != nil {
		return Result{}, err
	}
	return r, nil
}

func (c Codec) threshold() int {
	if c.CompressThreshold == 0 {
		return DefaultCompressThreshold
	}
	return c.CompressThreshold
}

func (c Codec) encode(v any) (string, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return "", &SerializationError{Path: "cbor", Reason: "marshal", Err: err}
	}
	var flags byte
	if t := c.threshold(); t >= 0 && len(payload) > t {
		enc, _, err := zstdCodecs()
		if err != nil {
			return "", &SerializationError{Path: "zstd", Reason: "init encoder", Err: err}
		}
		payload = enc.EncodeAll(payload, nil)
		flags |= flagZstd
	}
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, FormatVersion, flags)
	frame = append(frame, payload...)
	return base64.RawURLEncoding.EncodeToString(frame), nil
}

func (c Codec) decode(text string, out any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &SerializationError{Path: "frame", Reason: "empty payload"}
	}
	frame, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return &SerializationError{Path: "base64", Reason: "decode", Err: err}
	}
	if len(frame) < 2 {
		return &SerializationError{Path: "frame", Reason: "truncated header"}
	}
	if frame[0] != FormatVersion {
		return &SerializationError{Path: "frame", Reason: "unsupported format version " + strconv.Itoa(int(frame[0]))}
	}
	flags, payload := frame[1], frame[2:]
	if flags&^flagZstd != 0 {
		return &SerializationError{Path: "frame", Reason: "unknown flags"}
	}
	if flags&flagZstd != 0 {
		_, dec, err := zstdCodecs()
		if err != nil {
			return &SerializationError{Path: "zstd", Reason: "init decoder", Err: err}
		}
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return &SerializationError{Path: "zstd", Reason: "decompress", Err: err}
		}
	}
	if err := decMode.Unmarshal(payload, out); err != nil {
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &SerializationError{Path: "cbor", Kind: typeErr.GoType, Reason: "type mismatch", Err: err}
		}
		return &SerializationError{Path: "cbor", Reason: "unmarshal", Err: err}
	}
	return nil
}
