package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/hamba/avro/v2"
	"github.com/twmb/franz-go/pkg/sr"
)

var (
	ErrNoSubject    = errors.New("subject is required")
	ErrNoIdentifier = errors.New("schema identifier is required")
)

// CartEventSerde encodes [CartEventV1] values in the registry wire
// format: a magic byte, the schema id, then the Avro body.
type CartEventSerde struct {
	schema avro.Schema
	id     int
	serde  sr.Serde
}

// NewCartEventSerde resolves the id of the cart event schema under
// subject and returns a serde bound to it.
func NewCartEventSerde(
	ctx context.Context, si SchemaIdentifier, subject string,
) (*CartEventSerde, error) {
	const op = "NewCartEventSerde"

	if si == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoIdentifier)
	}
	if subject == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoSubject)
	}

	parsed, err := avro.Parse(CartEventSchemaTextV1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id, err := si.DetermineID(ctx, subject, CartEventSchemaTextV1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s := &CartEventSerde{schema: parsed, id: id}
	s.serde.Register(
		id,
		CartEventV1{},
		sr.EncodeFn(func(v any) ([]byte, error) {
			return avro.Marshal(s.schema, v)
		}),
		sr.DecodeFn(func(b []byte, v any) error {
			return avro.Unmarshal(s.schema, b, v)
		}),
	)
	return s, nil
}

// ID is the registry id written into every encoded event.
func (s *CartEventSerde) ID() int {
	return s.id
}

func (s *CartEventSerde) Encode(v any) ([]byte, error) {
	return s.serde.Encode(v)
}

// Decode fails for events written with a schema id other than ID.
func (s *CartEventSerde) Decode(b []byte, v any) error {
	return s.serde.Decode(b, v)
}
