package cmd

import (
	"context"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/histo-tools/omerotk/pkg/transfer"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	directory string
	threads   int
}

var uploadOpts uploadOptions

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a directory of slides into a new dataset",
	Long: `Upload every file directly inside --directory. With new_project_name set a new
project and a <project>_Dataset dataset are created; otherwise a dataset
called new_dataset_name is created inside project_id. Files are always sent,
even if the server already has them.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustLoadSettings()
		if _, err := runUpload(context.Background(), s, uploadOpts); err != nil {
			log.Fatalf("upload: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadOpts.directory, "directory", "", "Directory containing the files to upload")
	uploadCmd.Flags().IntVar(&uploadOpts.threads, "threads", 0, "Number of parallel uploads (overrides threads)")
	_ = uploadCmd.MarkFlagRequired("directory")
}

func runUpload(ctx context.Context, s *config.Settings, opts uploadOptions) (*transfer.Report, error) {
	if err := s.ValidateForUpload(); err != nil {
		return nil, err
	}

	files, err := transfer.ListLocalFiles(opts.directory)
	if err != nil {
		return nil, err
	}

	r, err := newRun(s)
	if err != nil {
		return nil, err
	}
	defer r.close()

	var report *transfer.Report
	err = withSession(ctx, s, func(session omero.Session) error {
		datasetID, err := transfer.PrepareTarget(ctx, session, transfer.Target{
			ProjectName: s.NewProjectName,
			DatasetName: s.NewDatasetName,
			ProjectID:   s.ProjectID,
		})
		if err != nil {
			return err
		}

		r.logger.Infof("Uploading %d files from %s into dataset %d", len(files), opts.directory, datasetID)
		uploader := transfer.NewUploader(session, r.options(threadsOr(opts.threads, s)))
		if report, err = uploader.Upload(ctx, datasetID, files); err != nil {
			return err
		}

		r.logReport("Upload", report)
		return nil
	})

	return report, err
}
