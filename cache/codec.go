package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Codec serializes and deserializes the objects a Cache stores. The façade
// never interprets the bytes itself; it only threads them through the
// engine's save/item calls.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// GobCodec is the default Codec, backed by encoding/gob.
type GobCodec struct{}

// Encode gob-encodes v.
func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("cache: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes data into v, which must be a pointer.
func (GobCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("cache: gob decode: %w", err)
	}
	return nil
}
