// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

package runlog

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm used for a stored payload.
// The tag is the first byte of every payload blob, so these values are
// format constants.
type CompressionTag uint8

const (
	// CompressionNone stores the payload verbatim. Used for small
	// payloads and for data that does not shrink (already-compressed
	// output, random bytes).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression: modest ratios but very
	// cheap decode, the default for mixed terminal output.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level: better ratios for
	// text-heavy payloads such as assistant transcripts and system
	// documents.
	CompressionZstd CompressionTag = 2
)

// String returns the tag's name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// payloadHeaderSize is the at-rest framing: one tag byte followed by
// the uncompressed length as a big-endian uint32.
const payloadHeaderSize = 5

// maxPayloadSize caps a single event payload at rest. Appends beyond
// this indicate a runaway producer, not legitimate output.
const maxPayloadSize = 1 << 28

// zstdEncoder and zstdDecoder are shared across all payloads; both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("runlog: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("runlog: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible reports that compression did not shrink the data;
// the caller falls back to CompressionNone.
var errIncompressible = fmt.Errorf("data is incompressible")

// encodePayload frames payload for storage: header plus (possibly
// compressed) body. Payloads under threshold are stored verbatim, as
// is anything that refuses to shrink.
func encodePayload(payload []byte, threshold int, channel string) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit %d", len(payload), maxPayloadSize)
	}

	tag := CompressionNone
	body := payload
	if len(payload) >= threshold {
		compressed, chosen, err := compressAuto(payload, channel)
		if err != nil {
			return nil, err
		}
		tag = chosen
		body = compressed
	}

	framed := make([]byte, payloadHeaderSize+len(body))
	framed[0] = byte(tag)
	binary.BigEndian.PutUint32(framed[1:payloadHeaderSize], uint32(len(payload)))
	copy(framed[payloadHeaderSize:], body)
	return framed, nil
}

// decodePayload reverses encodePayload, verifying that the decoded
// length matches the recorded uncompressed size.
func decodePayload(framed []byte) ([]byte, error) {
	if len(framed) < payloadHeaderSize {
		return nil, fmt.Errorf("payload blob of %d bytes is shorter than its header", len(framed))
	}
	tag := CompressionTag(framed[0])
	size := int(binary.BigEndian.Uint32(framed[1:payloadHeaderSize]))
	body := framed[payloadHeaderSize:]

	switch tag {
	case CompressionNone:
		if len(body) != size {
			return nil, fmt.Errorf("stored payload is %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case CompressionLZ4:
		return decompressLZ4(body, size)
	case CompressionZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// compressAuto picks an algorithm for the payload and compresses with
// it. Incompressible data comes back verbatim under CompressionNone.
func compressAuto(payload []byte, channel string) ([]byte, CompressionTag, error) {
	tag := selectCompression(payload, channel)

	var compressed []byte
	var err error
	switch tag {
	case CompressionNone:
		return payload, CompressionNone, nil
	case CompressionLZ4:
		compressed, err = compressLZ4(payload)
	case CompressionZstd:
		compressed, err = compressZstd(payload)
	}
	if err != nil {
		if err == errIncompressible {
			return payload, CompressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

// selectCompression picks an algorithm by channel, falling back to a
// probe. Assistant and system channels carry text or CBOR documents
// where zstd earns its CPU; PTY output is mixed escape-sequence soup,
// so probe it and keep whichever ratio justifies.
func selectCompression(payload []byte, channel string) CompressionTag {
	if len(payload) == 0 {
		return CompressionNone
	}

	switch {
	case strings.HasPrefix(channel, "assistant:"), strings.HasPrefix(channel, "system:"):
		return CompressionZstd
	}

	probe := zstdEncoder.EncodeAll(payload, nil)
	ratio := float64(len(payload)) / float64(len(probe))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input; output at or
	// above the input size is not worth storing either.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
