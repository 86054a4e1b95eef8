// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes Strand's CBOR configuration. Everything
// that crosses the control socket or lands in the event store goes
// through this package, so the whole system agrees on one encoding.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 section 4.2):
// sorted map keys, smallest integer widths, no indefinite-length
// items. The same logical value always produces identical bytes, which
// keeps export bundle digests reproducible.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are ignored so older
// clients can read newer daemons' responses.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Strand only ever writes string map keys. When the decode
		// target is any (session metadata, operation parameters), the
		// decoder must pick a concrete map type; the CBOR default of
		// map[interface{}]interface{} is useless to code expecting
		// map[string]any, so pin it. Struct targets are unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Aliased so consumers import only
// lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder, aliased like Encoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to defer decoding of
// action payloads until the handler knows the concrete type.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w with the standard
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r with the standard
// decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns CBOR diagnostic notation (RFC 8949 section 8) for
// data. Used by inspection commands to print stored payloads legibly.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
