package openiap

import (
	"context"
	"encoding/json"
)

// QueryInto runs Query and decodes the result array into []T.
func QueryInto[T any](ctx context.Context, c *Client, opts QueryOptions) ([]T, error) {
	raw, err := c.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, wrapError(KindDecode, "query", err)
	}
	return out, nil
}

// InsertOneInto marshals item, inserts it and decodes the stored document,
// which carries the server assigned _id.
func InsertOneInto[T any](ctx context.Context, c *Client, collection string, item T, wo WriteOptions) (T, error) {
	var out T
	data, err := json.Marshal(item)
	if err != nil {
		return out, wrapError(KindPrecondition, "insert_one", err)
	}
	raw, err := c.InsertOne(ctx, collection, string(data), wo)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, wrapError(KindDecode, "insert_one", err)
	}
	return out, nil
}
