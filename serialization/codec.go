// Package serialization provides the byte codecs used on the wire and a
// registry to look them up by name or content type.
package serialization

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// ContentTypeJSON labels structured-text messages. Gob messages are sent
// unlabeled; consumers know them by queue.
const ContentTypeJSON = "application/json"

var (
	// ErrMalformedPayload is returned when a body cannot be decoded
	ErrMalformedPayload = errors.New("serialization: malformed payload")
	// ErrUnknownCodec is returned when a registry lookup fails
	ErrUnknownCodec = errors.New("serialization: unknown codec")
)

// Encoder turns a value into message bytes
type Encoder interface {
	Encode(v interface{}) ([]byte, error)
	ContentType() string
}

// Decoder fills v, which must be a pointer, from message bytes
type Decoder interface {
	Decode(data []byte, v interface{}) error
}

// Codec is a named Encoder and Decoder pair
type Codec interface {
	Encoder
	Decoder
	Name() string
}

// JSONCodec is the structured-text codec
type JSONCodec struct{}

// Name implements Codec
func (JSONCodec) Name() string { return "json" }

// ContentType implements Encoder
func (JSONCodec) ContentType() string { return ContentTypeJSON }

// Encode implements Encoder
func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return data, nil
}

// Decode implements Decoder
func (JSONCodec) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty json body", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// GobCodec is the compact-binary codec used for game logs
type GobCodec struct{}

// Name implements Codec
func (GobCodec) Name() string { return "gob" }

// ContentType implements Encoder. Gob payloads carry no content type.
func (GobCodec) ContentType() string { return "" }

// Encode implements Encoder
func (GobCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode gob: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements Decoder
func (GobCodec) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty gob body", ErrMalformedPayload)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
