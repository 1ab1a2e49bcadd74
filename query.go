package openiap

import (
	"context"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// Query returns the matching documents as a JSON array.
func (c *Client) Query(ctx context.Context, opts QueryOptions) (string, error) {
	const op = "query"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.QueryRequest{
			CollectionName: opts.Collection,
			Query:          opts.Query,
			Projection:     opts.Projection,
			OrderBy:        opts.OrderBy,
			QueryAs:        opts.QueryAs,
			Explain:        opts.Explain,
			Skip:           opts.Skip,
			Top:            opts.Top,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultsResponse](c.lib, op, native.SymFreeQueryResponse,
			c.lib.Call(native.SymQuery, c.handle, req))
		out = resp.Results
		return err
	})
	return out, err
}

// Aggregate runs a pipeline and returns its output as a JSON array.
func (c *Client) Aggregate(ctx context.Context, opts AggregateOptions) (string, error) {
	const op = "aggregate"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.AggregateRequest{
			CollectionName: opts.Collection,
			Aggregates:     opts.Aggregates,
			QueryAs:        opts.QueryAs,
			Hint:           opts.Hint,
			Explain:        opts.Explain,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultsResponse](c.lib, op, native.SymFreeAggregateResponse,
			c.lib.Call(native.SymAggregate, c.handle, req))
		out = resp.Results
		return err
	})
	return out, err
}

func (c *Client) Count(ctx context.Context, opts CountOptions) (int, error) {
	const op = "count"
	var n int
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.CountRequest{
			CollectionName: opts.Collection,
			Query:          opts.Query,
			QueryAs:        opts.QueryAs,
			Explain:        opts.Explain,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.CountResponse](c.lib, op, native.SymFreeCountResponse,
			c.lib.Call(native.SymCount, c.handle, req))
		n = int(resp.Result)
		return err
	})
	return n, err
}

// Distinct returns the distinct values of a field, each as JSON text.
func (c *Client) Distinct(ctx context.Context, opts DistinctOptions) ([]string, error) {
	const op = "distinct"
	var out []string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.DistinctRequest{
			CollectionName: opts.Collection,
			Field:          opts.Field,
			Query:          opts.Query,
			QueryAs:        opts.QueryAs,
			Explain:        opts.Explain,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.DistinctResponse](c.lib, op, native.SymFreeDistinctResponse,
			c.lib.Call(native.SymDistinct, c.handle, req))
		out = resp.Results
		return err
	})
	return out, err
}

// ListCollections returns the collections as a JSON array. includeHist
// adds the *_hist history collections.
func (c *Client) ListCollections(ctx context.Context, includeHist bool) (string, error) {
	const op = "list_collections"
	var out string
	err := c.call(ctx, op, func(*cstruct.Arena) error {
		resp, err := guard[record.ResultsResponse](c.lib, op, native.SymFreeListCollectionsResponse,
			c.lib.Call(native.SymListCollections, c.handle, boolArg(includeHist)))
		out = resp.Results
		return err
	})
	return out, err
}

func (c *Client) CreateCollection(ctx context.Context, opts CreateCollectionOptions) error {
	const op = "create_collection"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.CreateCollectionRequest{
			CollectionName:               opts.Collection,
			Collation:                    opts.Collation,
			Timeseries:                   opts.Timeseries,
			ExpireAfterSeconds:           opts.ExpireAfterSeconds,
			ChangeStreamPreAndPostImages: opts.ChangeStreamPreAndPostImages,
			Capped:                       opts.Capped,
			Max:                          opts.Max,
			Size:                         opts.Size,
			RequestID:                    c.b.requestID(),
		})
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeCreateCollectionResponse,
			c.lib.Call(native.SymCreateCollection, c.handle, req))
		return err
	})
}

func (c *Client) DropCollection(ctx context.Context, collection string) error {
	const op = "drop_collection"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		name, err := cstring(a, op, collection)
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeDropCollectionResponse,
			c.lib.Call(native.SymDropCollection, c.handle, name))
		return err
	})
}

// GetIndexes returns the indexes of collection as a JSON array.
func (c *Client) GetIndexes(ctx context.Context, collection string) (string, error) {
	const op = "get_indexes"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		name, err := cstring(a, op, collection)
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultsResponse](c.lib, op, native.SymFreeGetIndexesResponse,
			c.lib.Call(native.SymGetIndexes, c.handle, name))
		out = resp.Results
		return err
	})
	return out, err
}

func (c *Client) CreateIndex(ctx context.Context, opts CreateIndexOptions) error {
	const op = "create_index"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.CreateIndexRequest{
			CollectionName: opts.Collection,
			Index:          opts.Index,
			Options:        opts.Options,
			Name:           opts.Name,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeCreateIndexResponse,
			c.lib.Call(native.SymCreateIndex, c.handle, req))
		return err
	})
}

func (c *Client) DropIndex(ctx context.Context, collection, index string) error {
	const op = "drop_index"
	return c.call(ctx, op, func(a *cstruct.Arena) error {
		coll, err := cstring(a, op, collection)
		if err != nil {
			return err
		}
		name, err := cstring(a, op, index)
		if err != nil {
			return err
		}
		_, err = guard[record.StatusResponse](c.lib, op, native.SymFreeDropIndexResponse,
			c.lib.Call(native.SymDropIndex, c.handle, coll, name))
		return err
	})
}

func boolArg(v bool) uintptr {
	if v {
		return 1
	}
	return 0
}
