// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec serializes step argument tuples and return values to
// opaque bytes for storage in the execution log.
//
// The wire format is a length-prefixed tagged JSON envelope rather than
// encoding/gob: gob ties decodability to the originating process's type
// registry, which does not survive a binary rebuild across a crash and
// restart. A tuple is written as a 4-byte big-endian element count,
// followed, per element, by a type tag and a JSON payload, each with its
// own 4-byte big-endian length prefix, so a tuple can hold heterogeneous
// values and still be decoded element by element without a shared
// schema. Decode reads past the tag without checking it.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tuple is an ordered list of values to encode or the destination
// pointers to decode into.
type Tuple []any

// Encode serializes an ordered tuple of values into a self-describing
// byte string. Values must be JSON-marshalable.
func Encode(values Tuple) ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, uint32(len(values))); err != nil {
		return nil, fmt.Errorf("codec: write element count: %w", err)
	}

	for i, v := range values {
		tag := typeTag(v)
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal element %d: %w", i, err)
		}

		if err := writeLengthPrefixed(&buf, []byte(tag)); err != nil {
			return nil, fmt.Errorf("codec: write tag for element %d: %w", i, err)
		}
		if err := writeLengthPrefixed(&buf, payload); err != nil {
			return nil, fmt.Errorf("codec: write payload for element %d: %w", i, err)
		}
	}

	return buf.Bytes(), nil
}

// Decode restores a tuple previously produced by Encode, unmarshaling
// each element into the corresponding pointer in dst. len(dst) must
// equal the number of encoded elements.
func Decode(data []byte, dst Tuple) error {
	r := bytes.NewReader(data)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("codec: read element count: %w", err)
	}
	if int(count) != len(dst) {
		return fmt.Errorf("codec: encoded tuple has %d elements, destination has %d", count, len(dst))
	}

	for i := 0; i < int(count); i++ {
		if _, err := readLengthPrefixed(r); err != nil {
			return fmt.Errorf("codec: read tag for element %d: %w", i, err)
		}
		payload, err := readLengthPrefixed(r)
		if err != nil {
			return fmt.Errorf("codec: read payload for element %d: %w", i, err)
		}
		if err := json.Unmarshal(payload, dst[i]); err != nil {
			return fmt.Errorf("codec: unmarshal element %d: %w", i, err)
		}
	}

	return nil
}

// EncodeValue is a convenience wrapper for encoding a single value
// (a step's return value, rather than an argument tuple).
func EncodeValue(v any) ([]byte, error) {
	return Encode(Tuple{v})
}

// DecodeValue is the single-value counterpart to EncodeValue.
func DecodeValue(data []byte, dst any) error {
	return Decode(data, Tuple{dst})
}

func typeTag(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := buf.Write(data)
	return err
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
