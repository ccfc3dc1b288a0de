package cmd

import (
	"context"
	"path/filepath"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/batch"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var chunkOutDir string

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Split the WSI names of the configured datasets into CSV batches",
	Long: `For each configured dataset, list its images, keep the primary series ([0])
and write their names in batches of chunk_size to
omero_<dataset_id>_wsi_chunks/wsi_chunk_<n>.csv.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustLoadSettings()
		if err := runChunk(context.Background(), s, chunkOutDir); err != nil {
			log.Fatalf("chunk: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chunkCmd)
	chunkCmd.Flags().StringVar(&chunkOutDir, "out-dir", ".", "Directory the batch directories are created in")
}

func runChunk(ctx context.Context, s *config.Settings, outDir string) error {
	if err := s.ValidateForChunk(); err != nil {
		return err
	}

	return withSession(ctx, s, func(session omero.Session) error {
		// Every dataset must exist before any files are written.
		for _, id := range s.DatasetIDs {
			if _, err := session.GetContainer(ctx, omero.DatasetRef(id)); err != nil {
				return errors.Wrapf(err, "dataset %d", id)
			}
		}

		for _, id := range s.DatasetIDs {
			if err := chunkDataset(ctx, session, id, s.ChunkSize, outDir); err != nil {
				return err
			}
		}

		return nil
	})
}

func chunkDataset(ctx context.Context, session omero.Session, datasetID int64, chunkSize int, outDir string) error {
	log.Infof("Fetching dataset with ID %d...", datasetID)
	images, err := session.ListEntities(ctx, omero.DatasetRef(datasetID))
	if err != nil {
		return errors.Wrapf(err, "unable to list images in dataset %d", datasetID)
	}

	names := make([]string, 0, len(images))
	for _, image := range images {
		names = append(names, image.Name)
	}

	wsiNames := batch.FilterPrimary(names)
	if len(wsiNames) == 0 {
		log.Warnf("No WSIs found in dataset %d. Skipping...", datasetID)
		return nil
	}

	batches, err := batch.Chunk(wsiNames, chunkSize)
	if err != nil {
		return err
	}

	paths, err := batch.WriteBatches(filepath.Join(outDir, batch.BatchDirName(datasetID)), batches)
	if err != nil {
		return err
	}

	for i, path := range paths {
		log.Infof("Saved %d WSI names to %s", len(batches[i]), path)
	}

	return nil
}
