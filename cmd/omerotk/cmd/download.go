package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/gosimple/slug"
	"github.com/histo-tools/omerotk/pkg/batch"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/histo-tools/omerotk/pkg/transfer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type downloadOptions struct {
	csvFile string
	threads int
	outDir  string
}

var downloadOpts downloadOptions

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the original files of named images",
	Long: `Download the original files behind the images named in a batch CSV file
(--csv-file) or in the filenames setting. Files land in <dataset name>_ndpi_files.
Files already there with the size the server reports are skipped, so an
interrupted download can be rerun.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustLoadSettings()
		if _, err := runDownload(context.Background(), s, downloadOpts); err != nil {
			log.Fatalf("download: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVar(&downloadOpts.csvFile, "csv-file", "", "CSV file with the chunk of WSI names")
	downloadCmd.Flags().IntVar(&downloadOpts.threads, "threads", 0, "Number of parallel downloads (overrides threads)")
	downloadCmd.Flags().StringVar(&downloadOpts.outDir, "out-dir", ".", "Directory the download directories are created in")
}

func runDownload(ctx context.Context, s *config.Settings, opts downloadOptions) ([]*transfer.Report, error) {
	if err := s.ValidateForDownload(); err != nil {
		return nil, err
	}

	names := s.Filenames
	if opts.csvFile != "" {
		var err error
		if names, err = batch.ReadBatch(opts.csvFile); err != nil {
			return nil, err
		}
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("nothing to download: pass --csv-file or set %s", config.KeyFilenames)
	}

	r, err := newRun(s)
	if err != nil {
		return nil, err
	}
	defer r.close()

	var reports []*transfer.Report
	err = withSession(ctx, s, func(session omero.Session) error {
		datasets := make([]*omero.Entity, 0, len(s.DatasetIDs))
		for _, id := range s.DatasetIDs {
			ds, err := session.GetContainer(ctx, omero.DatasetRef(id))
			if err != nil {
				return errors.Wrapf(err, "dataset %d", id)
			}
			datasets = append(datasets, ds)
		}

		downloader := transfer.NewDownloader(session, r.options(threadsOr(opts.threads, s)))
		for _, ds := range datasets {
			dir := filepath.Join(opts.outDir, downloadDirName(ds))
			r.logger.Infof("Downloading %d named images from dataset %s (%d) into %s", len(names), ds.Name, ds.ID, dir)

			report, err := downloader.Download(ctx, ds.ID, names, dir)
			if err != nil {
				return err
			}

			r.logReport(fmt.Sprintf("Download from dataset %d", ds.ID), report)
			reports = append(reports, report)
		}

		return nil
	})

	return reports, err
}

// downloadDirName is <dataset name>_ndpi_files. Names that aren't usable as a
// single path element are slugified.
func downloadDirName(ds *omero.Entity) string {
	name := ds.Name
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		name = slug.Make(name)
	}

	if name == "" {
		name = fmt.Sprintf("dataset_%d", ds.ID)
	}

	return name + "_ndpi_files"
}
