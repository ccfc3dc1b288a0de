package omero

import (
	"context"
	"io"
)

// Session is the part of the OMERO server the toolkit needs. Everything else the
// server offers stays behind the client.
type Session interface {
	Connect(ctx context.Context) error

	// GetContainer loads a project or dataset. It returns an error wrapping
	// ErrNotFound when the object doesn't exist or isn't visible to the user.
	GetContainer(ctx context.Context, ref Ref) (*Entity, error)

	// ListEntities lists the direct children of a container: the datasets of a
	// project, the images of a dataset, or every accessible image for Root.
	ListEntities(ctx context.Context, container Ref) ([]Entity, error)

	// GetUnderlyingFiles returns the fileset files of an image. An image imported
	// without a fileset returns an empty slice.
	GetUnderlyingFiles(ctx context.Context, imageID int64) ([]OriginalFile, error)

	// ReadChunks streams the bytes of the OriginalFile whose ID is fileID in
	// order, calling fn once per chunk. The buffer passed to fn is only valid
	// for that call.
	ReadChunks(ctx context.Context, fileID int64, fn func(chunk []byte) error) error

	// CreateFile uploads size bytes from r and returns the id of the new file
	// annotation. Link it with FileAnnotationRef.
	CreateFile(ctx context.Context, name string, size int64, r io.Reader) (int64, error)
	CreateContainer(ctx context.Context, kind Kind, name string) (int64, error)
	LinkContainers(ctx context.Context, parent, child Ref) error

	Close(ctx context.Context) error
}
