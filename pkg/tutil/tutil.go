package tutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func IsIntegrationTest() bool {
	testType := os.Getenv("OMERO_TEST")
	return strings.ToLower(testType) == "integration"
}

// WriteFile creates dir/name with contents and returns the full path.
func WriteFile(t *testing.T, dir, name string, contents []byte) string {
	path := filepath.Join(dir, name)
	require.NoErrorf(t, os.MkdirAll(filepath.Dir(path), 0755), "Unable to create directory for %s", path)
	require.NoErrorf(t, os.WriteFile(path, contents, 0644), "Unable to write %s", path)
	return path
}
