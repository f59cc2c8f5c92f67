package schema

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/sr"
)

// A SchemaIdentifier resolves the registry id of a schema under subject.
type SchemaIdentifier interface {
	DetermineID(ctx context.Context, subject, schemaText string) (int, error)
}

// SchemaCreater registers Avro schemas, reusing the id of an
// identical schema already known under the subject.
type SchemaCreater struct {
	cl *sr.Client
}

func NewSchemaCreater(cl *sr.Client) SchemaCreater {
	return SchemaCreater{cl}
}

func (sc SchemaCreater) DetermineID(
	ctx context.Context, subject, schemaText string,
) (int, error) {
	const op = "SchemaCreater.DetermineID"

	ss, err := sc.cl.CreateSchema(ctx, subject, sr.Schema{
		Schema: schemaText,
		Type:   sr.TypeAvro,
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ss.ID, nil
}
