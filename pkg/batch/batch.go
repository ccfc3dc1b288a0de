// Package batch splits image name lists into fixed size batches and moves them
// in and out of single column CSV files.
package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	// Header is the name of the only column in a batch file.
	Header = "WSI Names"

	primaryMarker = "[0]"
)

// IsPrimaryWSI reports whether an image name is the main series of a slide.
// Scanners also store label and macro images as extra series ([1], [2], ...)
// which we don't want to transfer.
func IsPrimaryWSI(name string) bool {
	return strings.Contains(name, primaryMarker)
}

// FilterPrimary returns the names that pass IsPrimaryWSI, in order.
func FilterPrimary(names []string) []string {
	var primary []string
	for _, name := range names {
		if IsPrimaryWSI(name) {
			primary = append(primary, name)
		}
	}
	return primary
}

// Chunk splits names into consecutive batches of size. Only the last batch can
// be shorter.
func Chunk(names []string, size int) ([][]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be greater than 0, got %d", size)
	}

	batches := make([][]string, 0, (len(names)+size-1)/size)
	for start := 0; start < len(names); start += size {
		end := start + size
		if end > len(names) {
			end = len(names)
		}
		batches = append(batches, names[start:end:end])
	}

	return batches, nil
}

func BatchDirName(datasetID int64) string {
	return fmt.Sprintf("omero_%d_wsi_chunks", datasetID)
}

func BatchFileName(n int) string {
	return fmt.Sprintf("wsi_chunk_%d.csv", n)
}

// WriteBatches writes batch i to dir/wsi_chunk_<i+1>.csv, creating dir if
// needed, and returns the paths written.
func WriteBatches(dir string, batches [][]string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create batch directory %s", dir)
	}

	paths := make([]string, 0, len(batches))
	for i, b := range batches {
		path := filepath.Join(dir, BatchFileName(i+1))
		if err := writeBatch(path, b); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func writeBatch(path string, names []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create batch file %s", path)
	}

	w := csv.NewWriter(f)
	_ = w.Write([]string{Header})
	for _, name := range names {
		_ = w.Write([]string{name})
	}
	w.Flush()

	if err := w.Error(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "unable to write batch file %s", path)
	}

	return f.Close()
}

// ReadBatch returns the WSI Names column of a CSV file. Other columns are ignored.
func ReadBatch(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open batch file %s", path)
	}
	defer f.Close()

	return readBatch(f, path)
}

func readBatch(r io.Reader, path string) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read header of %s", path)
	}

	col := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == Header {
			col = i
			break
		}
	}

	if col == -1 {
		return nil, fmt.Errorf("%s has no '%s' column", path, Header)
	}

	var names []string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, errors.Wrapf(err, "unable to read %s", path)
		}

		if col < len(record) && record[col] != "" {
			names = append(names, record[col])
		}
	}

	return names, nil
}
