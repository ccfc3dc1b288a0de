// Package links turns image names into OMERO.web browse URLs.
package links

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
)

type Result struct {
	Name    string
	ImageID int64
	URL     string
	Found   bool
}

type Generator struct {
	session omero.Session
	baseURL string
	logger  log.Interface
}

func NewGenerator(session omero.Session, baseURL string, logger log.Interface) *Generator {
	if logger == nil {
		logger = log.Log
	}
	return &Generator{session: session, baseURL: baseURL, logger: logger}
}

// Scope picks where names are searched: the dataset when set, else the
// project, else everything the user can see.
func Scope(datasetID, projectID int64) omero.Ref {
	switch {
	case datasetID != 0:
		return omero.DatasetRef(datasetID)
	case projectID != 0:
		return omero.ProjectRef(projectID)
	default:
		return omero.Root
	}
}

// Names appends suffix to every name, turning the bare slide names users keep
// in their config into the names OMERO gives the imported primary series.
func Names(filenames []string, suffix string) []string {
	names := make([]string, 0, len(filenames))
	for _, f := range filenames {
		names = append(names, f+suffix)
	}
	return names
}

// Generate looks up each name in scope and returns one Result per name, in
// order. A name with no matching image gives a Result with Found false. Only
// a missing scope or a failed listing is an error.
func (g *Generator) Generate(ctx context.Context, scope omero.Ref, names []string) ([]Result, error) {
	if scope.Kind != omero.KindRoot {
		if _, err := g.session.GetContainer(ctx, scope); err != nil {
			return nil, errors.Wrapf(err, "unable to load %s", scope)
		}
	}

	images, err := g.imagesIn(ctx, scope)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(names))
	for _, name := range names {
		r := Result{Name: name}
		for _, image := range images {
			if image.Name == name {
				r.ImageID = image.ID
				r.URL = fmt.Sprintf("%s%d/", g.baseURL, image.ID)
				r.Found = true
				break
			}
		}

		if r.Found {
			g.logger.WithField("name", name).Infof("%s", r.URL)
		} else {
			g.logger.Warnf("File %s not found on the OMERO server.", name)
		}

		results = append(results, r)
	}

	return results, nil
}

// imagesIn lists the images of a dataset, of every dataset in a project, or
// of the whole server.
func (g *Generator) imagesIn(ctx context.Context, scope omero.Ref) ([]omero.Entity, error) {
	if scope.Kind != omero.KindProject {
		images, err := g.session.ListEntities(ctx, scope)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list images in %s", scope)
		}
		return images, nil
	}

	datasets, err := g.session.ListEntities(ctx, scope)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list datasets in %s", scope)
	}

	var images []omero.Entity
	for _, ds := range datasets {
		dsImages, err := g.session.ListEntities(ctx, ds.Ref())
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list images in %s", ds.Ref())
		}
		images = append(images, dsImages...)
	}

	return images, nil
}

// WriteCSV writes name,link rows. Names that weren't found get an empty link.
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"name", "link"})
	for _, r := range results {
		_ = cw.Write([]string{r.Name, r.URL})
	}
	cw.Flush()
	return cw.Error()
}
