package transfer

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/saracen/walker"
)

var (
	ErrNoSuchDirectory = stderrors.New("no such directory")
	ErrNoFiles         = stderrors.New("no files to upload")
)

// ListLocalFiles returns the regular files directly inside dir, sorted by
// path. Subdirectories are not descended into. Symlinks to regular files count.
func ListLocalFiles(dir string) ([]string, error) {
	root := filepath.Clean(dir)

	finfo, err := os.Stat(root)
	if err != nil || !finfo.IsDir() {
		return nil, errors.Wrapf(ErrNoSuchDirectory, "%s", dir)
	}

	var (
		mu    sync.Mutex
		files []string
	)

	err = walker.Walk(root, func(pathname string, fi os.FileInfo) error {
		if pathname == root {
			return nil
		}

		if fi.IsDir() {
			return filepath.SkipDir
		}

		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Stat(pathname)
			if err != nil {
				return nil
			}
			fi = target
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		mu.Lock()
		files = append(files, pathname)
		mu.Unlock()
		return nil
	})

	if err != nil {
		return nil, errors.Wrapf(err, "unable to list %s", dir)
	}

	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNoFiles, "%s", dir)
	}

	sort.Strings(files)
	return files, nil
}
