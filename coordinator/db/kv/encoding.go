package kv

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// Records are stored as JSON documents. The store's collections hold
// schemaless maps and string enums, which rules out a fixed binary codec.
func decode(ctx context.Context, data []byte, dst interface{}) error {
	_, span := trace.StartSpan(ctx, "coordinatorDB.decode")
	defer span.End()
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "could not unmarshal encoded data")
	}
	return nil
}

func encode(ctx context.Context, msg interface{}) ([]byte, error) {
	_, span := trace.StartSpan(ctx, "coordinatorDB.encode")
	defer span.End()
	if msg == nil {
		return nil, errors.New("cannot encode nil value")
	}
	enc, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal value")
	}
	return enc, nil
}
