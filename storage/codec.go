// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how record bodies are compressed at rest.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

// Bodies shorter than this are stored uncompressed.
const minCompressSize = 256

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// encodedRecord is the at-rest form: the record plus the codec used for its body.
type encodedRecord struct {
	Record
	Codec Compression `json:"codec,omitempty"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// EncodeRecord serializes a record, compressing its body when it pays off.
func EncodeRecord(rec *Record, c Compression) ([]byte, error) {
	enc := encodedRecord{Record: *rec}
	if c != CompressionNone && len(rec.Body) >= minCompressSize {
		compressed, err := compress(rec.Body, c)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		if len(compressed) < len(rec.Body) {
			enc.Body = compressed
			enc.Codec = c
		}
	}

	data, err := json.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(data []byte) (*Record, error) {
	var enc encodedRecord
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	rec := enc.Record
	if enc.Codec != CompressionNone {
		body, err := decompress(enc.Body, enc.Codec)
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
		rec.Body = body
	}
	return &rec, nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c)
	}
}
