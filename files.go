package openiap

import (
	"context"

	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// Upload stores a local file and returns its id.
func (c *Client) Upload(ctx context.Context, opts UploadOptions) (string, error) {
	const op = "upload"
	if opts.Filepath == "" {
		return "", newError(KindPrecondition, op, "filepath is required")
	}
	var id string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.UploadRequest{
			Filepath:       opts.Filepath,
			Filename:       opts.Filename,
			Mimetype:       opts.Mimetype,
			Metadata:       opts.Metadata,
			CollectionName: opts.Collection,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.UploadResponse](c.lib, op, native.SymFreeUploadResponse,
			c.lib.Call(native.SymUpload, c.handle, req))
		id = resp.ID
		return err
	})
	return id, err
}

// Download writes a stored file into opts.Folder and returns its name.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (string, error) {
	const op = "download"
	if opts.ID == "" {
		return "", newError(KindPrecondition, op, "id is required")
	}
	var name string
	err := c.call(ctx, op, func(a *cstruct.Arena) error {
		req, err := encode(a, op, &record.DownloadRequest{
			CollectionName: opts.Collection,
			ID:             opts.ID,
			Folder:         opts.Folder,
			Filename:       opts.Filename,
			RequestID:      c.b.requestID(),
		})
		if err != nil {
			return err
		}
		resp, err := guard[record.DownloadResponse](c.lib, op, native.SymFreeDownloadResponse,
			c.lib.Call(native.SymDownload, c.handle, req))
		name = resp.Filename
		return err
	})
	return name, err
}
