package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/histo-tools/omerotk/pkg/tutil"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	direction Direction
	container omero.Ref
	reports   []*Report
}

func (r *fakeRecorder) RecordReport(direction Direction, container omero.Ref, report *Report) error {
	r.direction = direction
	r.container = container
	r.reports = append(r.reports, report)
	return nil
}

func addSlide(s *omero.MockSession, datasetID, imageID int64, name string, file omero.OriginalFile, contents []byte) {
	file.Size = int64(len(contents))
	s.AddImage(datasetID, imageID, name, file)
	s.SetFileContents(file.ID, contents)
}

func outcomesByName(report *Report) map[string]Outcome {
	m := make(map[string]Outcome, len(report.Outcomes))
	for _, o := range report.Outcomes {
		m[o.Name] = o
	}
	return m
}

func TestDownloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")

	a := []byte("contents of slide a")
	b := []byte("slide b is a little longer than a")
	addSlide(s, 1, 10, "a.ndpi [0]", omero.OriginalFile{ID: 101, Name: "a.ndpi"}, a)
	addSlide(s, 1, 11, "b.ndpi [0]", omero.OriginalFile{ID: 102, Name: "b.ndpi"}, b)

	// Macro series of b shares b's fileset.
	s.AddImage(1, 12, "b.ndpi [1]", omero.OriginalFile{ID: 102, Name: "b.ndpi", Size: int64(len(b))})
	s.AddImage(1, 13, "c.ndpi [0]")

	names := []string{"a.ndpi [0]", "b.ndpi [0]", "b.ndpi [1]", "c.ndpi [0]", "gone.ndpi [0]"}
	dir := filepath.Join(t.TempDir(), "study_ndpi_files")
	recorder := &fakeRecorder{}
	d := NewDownloader(s, Options{Threads: 2, Recorder: recorder})

	report, err := d.Download(ctx, 1, names, dir)
	require.NoErrorf(t, err, "Download failed: %s", err)
	require.Equal(t, Tally{Success: 2}, report.Tally())
	require.Equal(t, []string{"c.ndpi [0]"}, report.NoFiles)
	require.Equal(t, []string{"gone.ndpi [0]"}, report.Missing)
	require.Equal(t, 1, s.Reads(102), "shared fileset file must be fetched once")

	got, err := os.ReadFile(filepath.Join(dir, "a.ndpi"))
	require.NoError(t, err)
	require.Equal(t, a, got)
	got, err = os.ReadFile(filepath.Join(dir, "b.ndpi"))
	require.NoError(t, err)
	require.Equal(t, b, got)

	readsAfterFirst := s.TotalReads()

	report, err = d.Download(ctx, 1, names, dir)
	require.NoErrorf(t, err, "second Download failed: %s", err)
	require.Equal(t, Tally{Skipped: 2}, report.Tally())
	require.Equal(t, readsAfterFirst, s.TotalReads(), "second run must not read any bytes")

	require.Len(t, recorder.reports, 2)
	require.Equal(t, DirectionDownload, recorder.direction)
	require.Equal(t, omero.DatasetRef(1), recorder.container)
}

func TestDownloadSkipsCompleteFile(t *testing.T) {
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")
	addSlide(s, 1, 10, "slide1.ndpi [0]", omero.OriginalFile{ID: 201, Name: "slide1.ndpi"}, []byte("0123456789"))

	dir := t.TempDir()
	local := tutil.WriteFile(t, dir, "slide1.ndpi", []byte("abcdefghij"))

	report, err := NewDownloader(s, Options{}).Download(context.Background(), 1, []string{"slide1.ndpi [0]"}, dir)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	require.Equal(t, Skipped, report.Outcomes[0].Status)
	require.Equal(t, local, report.Outcomes[0].Path)
	require.Equal(t, 0, s.Reads(201))

	got, err := os.ReadFile(local)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", string(got), "skipped file must be left alone")
}

func TestDownloadRefetchesOnSizeMismatch(t *testing.T) {
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")
	contents := []byte("the complete remote file")
	addSlide(s, 1, 10, "slide1.ndpi [0]", omero.OriginalFile{ID: 201, Name: "slide1.ndpi"}, contents)

	for _, partial := range [][]byte{[]byte("the comp"), append(append([]byte(nil), contents...), "trailing junk"...)} {
		dir := t.TempDir()
		local := tutil.WriteFile(t, dir, "slide1.ndpi", partial)

		report, err := NewDownloader(s, Options{}).Download(context.Background(), 1, []string{"slide1.ndpi [0]"}, dir)
		require.NoError(t, err)
		require.Equal(t, Success, report.Outcomes[0].Status)
		require.Equal(t, int64(len(contents)), report.Outcomes[0].Bytes)

		got, err := os.ReadFile(local)
		require.NoError(t, err)
		require.Equal(t, contents, got)
	}
}

func TestDownloadOneFailureDoesNotStopOthers(t *testing.T) {
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")

	var names []string
	for i := int64(1); i <= 5; i++ {
		name := fmt.Sprintf("slide%d.ndpi [0]", i)
		names = append(names, name)
		addSlide(s, 1, 10+i, name, omero.OriginalFile{ID: 300 + i, Name: fmt.Sprintf("slide%d.ndpi", i)}, bytes.Repeat([]byte{byte(i)}, 21))
	}

	ioErr := errors.New("connection reset by peer")
	s.FailReadAfter(303, ioErr)

	dir := t.TempDir()
	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := NewDownloader(s, Options{Threads: 3}).Download(context.Background(), 1, names, dir)
		done <- result{report, err}
	}()

	var report *Report
	select {
	case r := <-done:
		require.NoErrorf(t, r.err, "Download failed: %s", r.err)
		report = r.report
	case <-time.After(10 * time.Second):
		t.Fatalf("Download did not finish")
	}

	require.Equal(t, Tally{Success: 4, Failed: 1}, report.Tally())

	failures := report.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, int64(303), failures[0].FileID)
	require.True(t, errors.Is(failures[0].Err, ioErr))
	require.Contains(t, failures[0].Reason(), "connection reset")
}

func TestDownloadSharedRepositoryPath(t *testing.T) {
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")

	contents := []byte("one fileset, two series")
	path := "user_2/2024-05/01/10-00-00.000/d.ndpi"
	addSlide(s, 1, 20, "d.ndpi [0]", omero.OriginalFile{ID: 20, Name: "d.ndpi", Path: path}, contents)
	addSlide(s, 1, 21, "d.ndpi [1]", omero.OriginalFile{ID: 21, Name: "d.ndpi", Path: path}, contents)

	report, err := NewDownloader(s, Options{Threads: 2}).Download(context.Background(), 1, []string{"d.ndpi [0]", "d.ndpi [1]"}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1, "files with the same repository path are one transfer")
	require.Equal(t, Tally{Success: 1}, report.Tally())
	require.Equal(t, 1, s.TotalReads())
}

func TestDownloadMissingDataset(t *testing.T) {
	s := omero.NewMockSession()
	destDir := filepath.Join(t.TempDir(), "missing_ndpi_files")
	_, err := NewDownloader(s, Options{}).Download(context.Background(), 99, []string{"x"}, destDir)
	require.Error(t, err)
	require.True(t, errors.Is(err, omero.ErrNotFound))

	_, err = os.Stat(destDir)
	require.Truef(t, os.IsNotExist(err), "%s created for a dataset that doesn't exist", destDir)
}

func TestDownloadUnusableName(t *testing.T) {
	s := omero.NewMockSession()
	s.AddDataset(0, 1, "study")
	addSlide(s, 1, 10, "odd [0]", omero.OriginalFile{ID: 401, Name: "/"}, []byte("x"))

	report, err := NewDownloader(s, Options{}).Download(context.Background(), 1, []string{"odd [0]"}, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Failed, outcomesByName(report)["/"].Status)
	require.Equal(t, 0, s.Reads(401))
}
