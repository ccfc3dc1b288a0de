package links

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/stretchr/testify/require"
)

const baseURL = "https://omero.example.org/webclient/img_detail/"

func newSession() *omero.MockSession {
	s := omero.NewMockSession()
	s.AddProject(1, "cohort")
	s.AddDataset(1, 10, "batch 1")
	s.AddDataset(1, 11, "batch 2")
	s.AddDataset(0, 12, "unfiled")
	s.AddImage(10, 100, "67_20-873.ndpi [0]")
	s.AddImage(10, 101, "67_20-873.ndpi [1]")
	s.AddImage(11, 110, "270_19-517.ndpi [0]")
	s.AddImage(12, 120, "999_00-000.ndpi [0]")
	return s
}

func TestScope(t *testing.T) {
	require.Equal(t, omero.DatasetRef(3), Scope(3, 4))
	require.Equal(t, omero.ProjectRef(4), Scope(0, 4))
	require.Equal(t, omero.Root, Scope(0, 0))
}

func TestNames(t *testing.T) {
	require.Equal(t, []string{"a.ndpi [0]", "b.ndpi [0]"}, Names([]string{"a", "b"}, ".ndpi [0]"))
	require.Empty(t, Names(nil, ".ndpi [0]"))
}

func TestGenerateInDataset(t *testing.T) {
	g := NewGenerator(newSession(), baseURL, nil)

	results, err := g.Generate(context.Background(), omero.DatasetRef(10), []string{"67_20-873.ndpi [0]", "270_19-517.ndpi [0]"})
	require.NoErrorf(t, err, "Generate failed: %s", err)
	require.Equal(t, []Result{
		{Name: "67_20-873.ndpi [0]", ImageID: 100, URL: baseURL + "100/", Found: true},
		{Name: "270_19-517.ndpi [0]"},
	}, results)
}

func TestGenerateInProject(t *testing.T) {
	g := NewGenerator(newSession(), baseURL, nil)

	results, err := g.Generate(context.Background(), omero.ProjectRef(1), []string{"270_19-517.ndpi [0]", "999_00-000.ndpi [0]"})
	require.NoError(t, err)
	require.True(t, results[0].Found)
	require.Equal(t, baseURL+"110/", results[0].URL)
	require.False(t, results[1].Found, "images outside the project must not match")
}

func TestGenerateEverywhere(t *testing.T) {
	g := NewGenerator(newSession(), baseURL, nil)

	results, err := g.Generate(context.Background(), omero.Root, []string{"999_00-000.ndpi [0]", "nope"})
	require.NoError(t, err)
	require.Equal(t, baseURL+"120/", results[0].URL)
	require.False(t, results[1].Found)
}

func TestGenerateMissingScope(t *testing.T) {
	g := NewGenerator(newSession(), baseURL, nil)

	_, err := g.Generate(context.Background(), omero.DatasetRef(404), []string{"x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, omero.ErrNotFound))

	_, err = g.Generate(context.Background(), omero.ProjectRef(404), []string{"x"})
	require.True(t, errors.Is(err, omero.ErrNotFound))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Result{
		{Name: "a.ndpi [0]", URL: baseURL + "1/", Found: true},
		{Name: "b, c.ndpi [0]"},
	})
	require.NoError(t, err)
	require.Equal(t, "name,link\na.ndpi [0],"+baseURL+"1/\n\"b, c.ndpi [0]\",\n", buf.String())
}
