package transfer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
)

type Uploader struct {
	session omero.Session
	opts    Options
}

func NewUploader(session omero.Session, opts Options) *Uploader {
	return &Uploader{session: session, opts: opts}
}

// Upload creates a file annotation on the server for each local file and links
// it to the dataset. Files are always sent, even when the dataset already
// has a file with the same name.
func (u *Uploader) Upload(ctx context.Context, datasetID int64, files []string) (*Report, error) {
	dataset := omero.DatasetRef(datasetID)

	units := make([]unit, 0, len(files))
	for _, path := range files {
		path := path
		units = append(units, unit{
			name: filepath.Base(path),
			path: path,
			run: func() Outcome {
				return u.uploadFile(ctx, dataset, path)
			},
		})
	}

	outcomes, err := runUnits(u.opts.Threads, units, u.opts.logger())
	if err != nil {
		return nil, err
	}

	report := &Report{Outcomes: outcomes}
	u.opts.record(DirectionUpload, dataset, report)

	return report, nil
}

func (u *Uploader) uploadFile(ctx context.Context, dataset omero.Ref, path string) Outcome {
	name := filepath.Base(path)
	logger := u.opts.logger().WithFields(log.Fields{"file": name, "dataset": dataset.ID})
	outcome := Outcome{Path: path, Name: name, Status: Failed}

	logger.Infof("Uploading %s...", name)

	id, size, err := u.send(ctx, name, path)
	if err != nil {
		outcome.Err = err
		logger.Errorf("Failed to upload %s: %s", name, err)
		return outcome
	}
	outcome.FileID = id
	outcome.Bytes = size

	if err := u.session.LinkContainers(ctx, dataset, omero.FileAnnotationRef(id)); err != nil {
		outcome.Err = errors.Wrapf(err, "uploaded as FileAnnotation:%d but unable to link to %s", id, dataset)
		logger.Errorf("Failed to upload %s: %s", name, outcome.Err)
		return outcome
	}

	outcome.Status = Success
	logger.Infof("Successfully uploaded %s", name)
	return outcome
}

func (u *Uploader) send(ctx context.Context, name, path string) (int64, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	finfo, err := f.Stat()
	if err != nil {
		return 0, 0, errors.Wrapf(err, "unable to stat %s", path)
	}

	id, err := u.session.CreateFile(ctx, name, finfo.Size(), f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "unable to create remote file for %s", path)
	}

	return id, finfo.Size(), nil
}
