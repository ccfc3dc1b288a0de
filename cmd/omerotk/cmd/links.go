package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/links"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var linksOut string

var linksCmd = &cobra.Command{
	Use:   "links",
	Short: "Print browser links for the configured filenames",
	Long: `Look up each name in filenames (with link_name_suffix appended) in the
configured dataset, else project, else everywhere, and print
<web_base_url><image id>/ for each one found.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustLoadSettings()
		if _, err := runLinks(context.Background(), s, linksOut, cmd.OutOrStdout()); err != nil {
			log.Fatalf("links: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(linksCmd)
	linksCmd.Flags().StringVar(&linksOut, "out", "", "Optional CSV file to write name,link rows to")
}

func runLinks(ctx context.Context, s *config.Settings, outFile string, w io.Writer) ([]links.Result, error) {
	if err := s.ValidateForLinks(); err != nil {
		return nil, err
	}

	var results []links.Result
	err := withSession(ctx, s, func(session omero.Session) error {
		var err error
		g := links.NewGenerator(session, s.WebBaseURL, log.Log)
		results, err = g.Generate(ctx, links.Scope(s.FirstDatasetID(), s.ProjectID), links.Names(s.Filenames, s.LinkNameSuffix))
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if r.Found {
			_, _ = fmt.Fprintln(w, r.URL)
		} else {
			_, _ = fmt.Fprintf(w, "File %s not found on the OMERO server.\n", r.Name)
		}
	}

	if outFile != "" {
		if err := writeLinksFile(outFile, results); err != nil {
			return results, err
		}
	}

	return results, nil
}

func writeLinksFile(path string, results []links.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", path)
	}

	if err := links.WriteCSV(f, results); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "unable to write %s", path)
	}

	return f.Close()
}
