package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/lock"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
)

type Downloader struct {
	session omero.Session
	opts    Options
	locker  *lock.PathLocker
}

func NewDownloader(session omero.Session, opts Options) *Downloader {
	return &Downloader{
		session: session,
		opts:    opts,
		locker:  lock.NewPathLocker(),
	}
}

// Download fetches the fileset files of every image in the dataset whose name
// is in names into destDir. Files already in destDir with the size the server
// declares are skipped without reading them. The returned error is only set
// for problems that stop the whole run; per file failures are in the Report.
func (d *Downloader) Download(ctx context.Context, datasetID int64, names []string, destDir string) (*Report, error) {
	logger := d.opts.logger()
	dataset := omero.DatasetRef(datasetID)

	images, err := d.session.ListEntities(ctx, dataset)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list images in %s", dataset)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create download directory %s", destDir)
	}

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = false
	}

	report := &Report{}
	seen := make(map[string]bool)
	var units []unit

	for _, image := range images {
		if _, ok := wanted[image.Name]; !ok {
			continue
		}
		wanted[image.Name] = true

		logger.WithFields(log.Fields{"image": image.Name, "id": image.ID}).Infof("Finding original files")
		files, err := d.session.GetUnderlyingFiles(ctx, image.ID)
		if err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Name:   image.Name,
				Status: Failed,
				Err:    errors.Wrapf(err, "unable to get files for image %d", image.ID),
			})
			continue
		}

		if len(files) == 0 {
			logger.Warnf("No fileset found for image: %s", image.Name)
			report.NoFiles = append(report.NoFiles, image.Name)
			continue
		}

		for _, f := range files {
			// Every image of a multi-series fileset lists the same files.
			key := fileKey(f)
			if seen[key] {
				continue
			}
			seen[key] = true
			units = append(units, d.downloadUnit(ctx, f, destDir))
		}
	}

	for _, name := range names {
		if !wanted[name] {
			logger.Warnf("No image named '%s' in %s", name, dataset)
			report.Missing = append(report.Missing, name)
		}
	}

	outcomes, err := runUnits(d.opts.Threads, units, logger)
	if err != nil {
		return nil, err
	}
	report.Outcomes = append(report.Outcomes, outcomes...)

	d.opts.record(DirectionDownload, dataset, report)

	return report, nil
}

// fileKey identifies a fileset file across images: by its repository path when
// the server reports one, by id otherwise.
func fileKey(f omero.OriginalFile) string {
	if f.Path != "" {
		return "path:" + f.Path
	}
	return fmt.Sprintf("id:%d", f.ID)
}

func (d *Downloader) downloadUnit(ctx context.Context, f omero.OriginalFile, destDir string) unit {
	path := filepath.Join(destDir, filepath.Base(f.Name))
	return unit{
		name:   f.Name,
		path:   path,
		fileID: f.ID,
		run: func() Outcome {
			return d.downloadFile(ctx, f, path)
		},
	}
}

func (d *Downloader) downloadFile(ctx context.Context, f omero.OriginalFile, path string) Outcome {
	logger := d.opts.logger().WithFields(log.Fields{"file": f.Name, "id": f.ID})
	outcome := Outcome{Path: path, Name: f.Name, FileID: f.ID}

	base := filepath.Base(f.Name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		outcome.Status = Failed
		outcome.Err = fmt.Errorf("original file %d has unusable name '%s'", f.ID, f.Name)
		logger.Errorf("%s", outcome.Err)
		return outcome
	}

	// Images of one fileset share their files, so two units may target the same path.
	d.locker.AcquireLock(path)
	defer d.locker.ReleaseLock(path)

	if finfo, err := os.Stat(path); err == nil {
		if finfo.Mode().IsRegular() && finfo.Size() == f.Size {
			logger.Infof("File %s already exists and matches the size on server. Skipping download.", f.Name)
			outcome.Status = Skipped
			return outcome
		}
		logger.Infof("File %s exists but is incomplete or corrupted (%d of %d bytes). Re-downloading.", f.Name, finfo.Size(), f.Size)
	}

	logger.Infof("Downloading %s (%d bytes)...", f.Name, f.Size)
	n, err := d.fetch(ctx, f.ID, path)
	outcome.Bytes = n
	if err != nil {
		outcome.Status = Failed
		outcome.Err = err
		logger.Errorf("Download of %s failed: %s", f.Name, err)
		return outcome
	}

	outcome.Status = Success
	logger.Infof("File %s downloaded successfully!", f.Name)
	return outcome
}

// fetch streams the file into path, replacing whatever is there.
func (d *Downloader) fetch(ctx context.Context, fileID int64, path string) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to create %s", path)
	}

	var written int64
	err = d.session.ReadChunks(ctx, fileID, func(chunk []byte) error {
		n, err := out.Write(chunk)
		written += int64(n)
		return err
	})

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "unable to close %s", path)
	}

	return written, err
}
