package openiap

import (
	"context"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// SetCollectionSchema installs a JSON Schema that InsertOne, InsertMany,
// UpdateOne and InsertOrUpdateOne check documents against before they are
// sent. An empty schema turns validation off for the collection.
func (c *Client) SetCollectionSchema(collection, schema string) error {
	if err := c.b.schemas.Set(collection, schema); err != nil {
		return wrapError(KindValidation, "set_collection_schema", err)
	}
	return nil
}

func (c *Client) validate(op, collection, item string) error {
	if err := c.b.schemas.ValidateDocument(collection, item); err != nil {
		return wrapError(KindValidation, op, err)
	}
	return nil
}

// InsertOne inserts a JSON document and returns it as stored.
func (c *Client) InsertOne(ctx context.Context, collection, item string, wo WriteOptions) (string, error) {
	const op = "insert_one"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		if err := c.validate(op, collection, item); err != nil {
			return err
		}
		req, err := encode(a, op, &record.InsertOneRequest{
			CollectionName: collection,
			Item:           item,
			W:              wo.W,
			J:              wo.J,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeInsertOneResponse,
			c.lib.Call(native.SymInsertOne, c.handle, req))
		out = resp.Result
		return err
	})
	return out, err
}

// InsertMany inserts a JSON array of documents and returns them as stored,
// or "[]" when opts.SkipResults is set.
func (c *Client) InsertMany(ctx context.Context, collection, items string, opts InsertManyOptions) (string, error) {
	const op = "insert_many"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		if err := c.b.schemas.ValidateDocuments(collection, items); err != nil {
			return wrapError(KindValidation, op, err)
		}
		req, err := encode(a, op, &record.InsertManyRequest{
			CollectionName: collection,
			Items:          items,
			W:              opts.W,
			J:              opts.J,
			SkipResults:    opts.SkipResults,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultsResponse](c.lib, op, native.SymFreeInsertManyResponse,
			c.lib.Call(native.SymInsertMany, c.handle, req))
		out = resp.Results
		return err
	})
	return out, err
}

// UpdateOne replaces the document with the item's _id.
func (c *Client) UpdateOne(ctx context.Context, collection, item string, wo WriteOptions) (string, error) {
	const op = "update_one"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		if err := c.validate(op, collection, item); err != nil {
			return err
		}
		req, err := encode(a, op, &record.UpdateOneRequest{
			CollectionName: collection,
			Item:           item,
			W:              wo.W,
			J:              wo.J,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeUpdateOneResponse,
			c.lib.Call(native.SymUpdateOne, c.handle, req))
		out = resp.Result
		return err
	})
	return out, err
}

// InsertOrUpdateOne upserts item, matching existing documents on the
// comma separated uniqueness fields (default _id).
func (c *Client) InsertOrUpdateOne(ctx context.Context, collection, uniqueness, item string, wo WriteOptions) (string, error) {
	const op = "insert_or_update_one"
	var out string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		if err := c.validate(op, collection, item); err != nil {
			return err
		}
		req, err := encode(a, op, &record.InsertOrUpdateOneRequest{
			CollectionName: collection,
			Uniqeness:      uniqueness,
			Item:           item,
			W:              wo.W,
			J:              wo.J,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.ResultResponse](c.lib, op, native.SymFreeInsertOrUpdateOneResponse,
			c.lib.Call(native.SymInsertOrUpdateOne, c.handle, req))
		out = resp.Result
		return err
	})
	return out, err
}

// DeleteOne deletes the document with id and returns the number deleted.
func (c *Client) DeleteOne(ctx context.Context, collection, id string, recursive bool) (int, error) {
	const op = "delete_one"
	var n int
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.DeleteOneRequest{
			CollectionName: collection,
			ID:             id,
			Recursive:      recursive,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.DeleteResponse](c.lib, op, native.SymFreeDeleteOneResponse,
			c.lib.Call(native.SymDeleteOne, c.handle, req))
		n = int(resp.AffectedRows)
		return err
	})
	return n, err
}

// DeleteMany deletes by ids or by query and returns the number deleted.
func (c *Client) DeleteMany(ctx context.Context, opts DeleteManyOptions) (int, error) {
	const op = "delete_many"
	if opts.Query == "" && len(opts.IDs) == 0 {
		return 0, newError(KindPrecondition, op, "query or ids is required")
	}
	var n int
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.DeleteManyRequest{
			CollectionName: opts.Collection,
			Query:          opts.Query,
			Recursive:      opts.Recursive,
			Ids:            opts.IDs,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.DeleteResponse](c.lib, op, native.SymFreeDeleteManyResponse,
			c.lib.Call(native.SymDeleteMany, c.handle, req))
		n = int(resp.AffectedRows)
		return err
	})
	return n, err
}
