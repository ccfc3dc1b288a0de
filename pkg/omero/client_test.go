package omero

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/histo-tools/omerotk/pkg/omero/omerotest"
	"github.com/histo-tools/omerotk/pkg/tutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedClient(t *testing.T, srv *omerotest.Server, chunkSize int) *Client {
	client := NewClient(ClientConfig{
		WebURL:    srv.URL + "/",
		Host:      srv.Host,
		Port:      srv.Port,
		Username:  srv.Username,
		Password:  srv.Password,
		ChunkSize: chunkSize,
	})

	err := client.Connect(context.Background())
	require.NoErrorf(t, err, "Connect failed: %s", err)
	return client
}

func TestClient_Connect(t *testing.T) {
	srv := omerotest.NewServer()
	defer srv.Close()

	t.Run("GoodCredentials", func(t *testing.T) {
		client := newConnectedClient(t, srv, 0)
		require.NoError(t, client.Close(context.Background()))
	})

	t.Run("BadPassword", func(t *testing.T) {
		client := NewClient(ClientConfig{WebURL: srv.URL, Host: srv.Host, Port: srv.Port, Username: srv.Username, Password: "wrong"})
		err := client.Connect(context.Background())
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, ErrOmeroAPI), "Expected ErrOmeroAPI, got %s", err)
	})

	t.Run("UnknownServerPort", func(t *testing.T) {
		client := NewClient(ClientConfig{WebURL: srv.URL, Host: srv.Host, Port: 1, Username: srv.Username, Password: srv.Password})
		err := client.Connect(context.Background())
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, ErrNotFound), "Expected ErrNotFound, got %s", err)
	})

	t.Run("CallsBeforeConnect", func(t *testing.T) {
		client := NewClient(ClientConfig{WebURL: srv.URL})
		_, err := client.ListEntities(context.Background(), DatasetRef(1))
		require.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestClient_ContainersAndListing(t *testing.T) {
	srv := omerotest.NewServer()
	defer srv.Close()

	srv.AddProject(10, "proj")
	srv.AddDataset(10, 20, "ds20")
	srv.AddDataset(10, 21, "ds21")
	srv.AddImage(20, 100, "a.ndpi [0]", nil)
	srv.AddImage(20, 101, "a.ndpi [1]", nil)
	srv.AddImage(21, 102, "b.ndpi [0]", nil)

	client := newConnectedClient(t, srv, 0)
	ctx := context.Background()

	ds, err := client.GetContainer(ctx, DatasetRef(20))
	require.NoError(t, err)
	assert.Equal(t, "ds20", ds.Name)
	assert.Equal(t, KindDataset, ds.Kind)

	_, err = client.GetContainer(ctx, DatasetRef(999))
	require.Error(t, err)
	assert.Truef(t, errors.Is(err, ErrNotFound), "Expected ErrNotFound, got %s", err)

	_, err = client.GetContainer(ctx, ImageRef(100))
	require.Error(t, err, "Images are not containers")

	images, err := client.ListEntities(ctx, DatasetRef(20))
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a.ndpi [0]", images[0].Name)
	assert.Equal(t, int64(101), images[1].ID)
	assert.Equal(t, KindImage, images[0].Kind)

	datasets, err := client.ListEntities(ctx, ProjectRef(10))
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.Equal(t, KindDataset, datasets[1].Kind)

	all, err := client.ListEntities(ctx, Root)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClient_ReadChunks(t *testing.T) {
	srv := omerotest.NewServer()
	defer srv.Close()

	contents := []byte(strings.Repeat("0123456789", 5) + "xyz")
	srv.AddDataset(0, 1, "ds")
	srv.AddImage(1, 7, "slide.ndpi [0]", map[string][]byte{"slide.ndpi": contents})
	srv.AddImage(1, 8, "empty.ndpi [0]", map[string][]byte{"empty.ndpi": {}})
	srv.AddImage(1, 9, "stack [0]", map[string][]byte{"z0.tif": []byte("z0"), "z1.tif": []byte("z1")})
	srv.AddImage(1, 10, "cut.ndpi [0]", map[string][]byte{"cut.ndpi": contents})
	srv.TruncateDownload(10, 20)

	client := newConnectedClient(t, srv, 8)
	ctx := context.Background()

	files, err := client.GetUnderlyingFiles(ctx, 7)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "slide.ndpi", files[0].Name)
	assert.Equal(t, int64(7), files[0].ID)
	assert.Equal(t, int64(len(contents)), files[0].Size)
	assert.True(t, strings.HasSuffix(files[0].Path, "/slide.ndpi"))

	t.Run("ChunksInOrder", func(t *testing.T) {
		var buf bytes.Buffer
		chunks := 0
		err := client.ReadChunks(ctx, files[0].ID, func(chunk []byte) error {
			chunks++
			assert.LessOrEqual(t, len(chunk), 8)
			buf.Write(chunk)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, contents, buf.Bytes())
		assert.Equal(t, 7, chunks)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		emptyFiles, err := client.GetUnderlyingFiles(ctx, 8)
		require.NoError(t, err)
		require.Len(t, emptyFiles, 1)
		assert.Equal(t, int64(0), emptyFiles[0].Size)

		called := false
		err = client.ReadChunks(ctx, emptyFiles[0].ID, func(chunk []byte) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.False(t, called, "No chunks expected for an empty file")
	})

	t.Run("CallbackErrorStopsStream", func(t *testing.T) {
		stop := errors.New("disk full")
		err := client.ReadChunks(ctx, files[0].ID, func(chunk []byte) error {
			return stop
		})
		require.ErrorIs(t, err, stop)
	})

	t.Run("ShortBody", func(t *testing.T) {
		cut, err := client.GetUnderlyingFiles(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, int64(len(contents)), cut[0].Size)

		err = client.ReadChunks(ctx, 10, func(chunk []byte) error { return nil })
		require.Error(t, err, "A body shorter than its Content-Length must fail")
	})

	t.Run("MultiFileFileset", func(t *testing.T) {
		_, err := client.GetUnderlyingFiles(ctx, 9)
		require.ErrorIs(t, err, ErrUnsupported)

		err = client.ReadChunks(ctx, 9, func(chunk []byte) error { return nil })
		require.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("MissingImage", func(t *testing.T) {
		err := client.ReadChunks(ctx, 424242, func(chunk []byte) error { return nil })
		require.Error(t, err)
		assert.Truef(t, errors.Is(err, ErrNotFound), "Expected ErrNotFound, got %s", err)
	})

	t.Run("NoFileset", func(t *testing.T) {
		none, err := client.GetUnderlyingFiles(ctx, 555)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestClient_CreateAndLink(t *testing.T) {
	srv := omerotest.NewServer()
	defer srv.Close()

	srv.AddProject(3, "proj")
	client := newConnectedClient(t, srv, 0)
	ctx := context.Background()

	dsID, err := client.CreateContainer(ctx, KindDataset, "new ds")
	require.NoError(t, err)
	require.NotZero(t, dsID)

	require.NoError(t, client.LinkContainers(ctx, ProjectRef(3), DatasetRef(dsID)))

	datasets, err := client.ListEntities(ctx, ProjectRef(3))
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Equal(t, "new ds", datasets[0].Name)

	contents := []byte("slide bytes")
	annID, err := client.CreateFile(ctx, "slide.ndpi", int64(len(contents)), bytes.NewReader(contents))
	require.NoError(t, err)

	stored, ok := srv.AnnotationContents(annID)
	require.True(t, ok)
	assert.Equal(t, contents, stored)
	assert.Empty(t, srv.Links(), "CreateFile must not link the annotation")

	require.NoError(t, client.LinkContainers(ctx, DatasetRef(dsID), FileAnnotationRef(annID)))
	assert.Contains(t, srv.Links(), fmt.Sprintf("dataset:%d/fileannotation:%d", dsID, annID))

	t.Run("UnknownAnnotation", func(t *testing.T) {
		err := client.LinkContainers(ctx, DatasetRef(dsID), FileAnnotationRef(999999))
		require.ErrorIs(t, err, ErrOmeroAPI)
	})

	t.Run("ShortReader", func(t *testing.T) {
		_, err := client.CreateFile(ctx, "short.ndpi", 100, bytes.NewReader([]byte("only a few")))
		require.Error(t, err)
	})

	_, err = client.CreateContainer(ctx, KindImage, "nope")
	require.Error(t, err)
}

func TestKindAndRef(t *testing.T) {
	assert.Equal(t, "Dataset", KindDataset.Title())
	assert.Equal(t, "FileAnnotation", KindFileAnnotation.Title())
	assert.Equal(t, "Project:12", ProjectRef(12).String())
	assert.Equal(t, "root", Root.String())
}

// TestLiveServer runs against a real OMERO.web when OMERO_TEST=integration.
func TestLiveServer(t *testing.T) {
	if !tutil.IsIntegrationTest() {
		t.Skipf("OMERO_TEST not set to integration")
	}

	webURL := os.Getenv("OMERO_WEB_URL")
	if webURL == "" {
		t.Skipf("OMERO_WEB_URL not set")
	}

	client := NewClient(ClientConfig{
		WebURL:   webURL,
		Host:     os.Getenv("OMERO_HOST"),
		Port:     4064,
		Username: os.Getenv("OMERO_USERNAME"),
		Password: os.Getenv("OMERO_PASSWORD"),
	})

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	_, err := client.ListEntities(ctx, Root)
	require.NoError(t, err)
}
