// Package azureblob provides a remote mantaray.Storage backed by an
// Azure Blob container, addressed the same content-addressed way as the
// other storage/ adapters: a payload's keccak256 digest becomes its blob
// name.
package azureblob

import (
	"bytes"
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/radiation-octopus/mantaray/internal/keccak"
	"github.com/radiation-octopus/mantaray/mantaray"
)

// Storage is a mantaray.Storage backed by a single Azure Blob container.
type Storage struct {
	client    *azblob.Client
	container string
}

// New builds a Storage over an existing container, authenticating with
// a connection string the way short-lived batch jobs typically do.
func New(connectionString, container string) (*Storage, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{client: client, container: container}, nil
}

func blobName(reference mantaray.Reference) string {
	return reference.Hex()[2:]
}

// isBlobNotFound reports whether err is the SDK's genuine not-found
// response, as opposed to any other transport or service failure.
func isBlobNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

// Save uploads data as a new blob named after its keccak256 digest and
// returns that digest as the mantaray reference.
func (s *Storage) Save(ctx context.Context, data []byte) (mantaray.Reference, error) {
	addr := keccak.Hash256(data)
	ref, err := mantaray.NewReference(addr)
	if err != nil {
		return nil, err
	}
	_, err = s.client.UploadBuffer(ctx, s.container, blobName(ref), data, nil)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// Load downloads the blob named after reference. Only a genuine
// BlobNotFound response is translated to mantaray.ErrNotFound; every
// other error (auth failures, network errors, throttling) propagates
// unchanged so callers can tell a missing chunk from a storage outage.
func (s *Storage) Load(ctx context.Context, reference mantaray.Reference) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, blobName(reference), nil)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, mantaray.ErrNotFound
		}
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
