package edgerpc

import (
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype clients must request
// ("application/grpc+edge-json").
const CodecName = "edge-json"

// Codec serializes the wire messages with goccy/go-json. The message catalog
// is owned by this service on both ends, so a schema-compiled codec buys
// nothing over the platform's JSON library.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("edge-json: failed to marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("edge-json: failed to unmarshal into %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
