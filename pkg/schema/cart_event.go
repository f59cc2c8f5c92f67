package schema

import "time"

const CartEventSchemaTextV1 = `{
	"type": "record",
	"namespace": "cartsync",
	"name": "cart_event",
	"fields": [
		{"name": "type", "type": "string"},
		{"name": "owner", "type": "string"},
		{"name": "store", "type": "string"},
		{"name": "item_id", "type": "string"},
		{"name": "product_id", "type": "string"},
		{"name": "quantity", "type": "long"},
		{"name": "persisted", "type": "string"},
		{"name": "origin", "type": "string"},
		{"name": "occurred_at", "type": {"type": "long", "logicalType": "timestamp-millis"}}
	]
}`

type CartEventV1 struct {
	Type       string    `avro:"type"`
	Owner      string    `avro:"owner"`
	Store      string    `avro:"store"`
	ItemID     string    `avro:"item_id"`
	ProductID  string    `avro:"product_id"`
	Quantity   int64     `avro:"quantity"`
	Persisted  string    `avro:"persisted"`
	Origin     string    `avro:"origin"`
	OccurredAt time.Time `avro:"occurred_at"`
}
