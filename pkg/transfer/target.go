package transfer

import (
	"context"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/pkg/errors"
)

// Target says where uploaded files go. When ProjectName is set a new project is
// created along with a dataset named <ProjectName>_Dataset inside it. Otherwise
// a dataset called DatasetName is created inside the existing ProjectID.
type Target struct {
	ProjectName string
	DatasetName string
	ProjectID   int64
}

// PrepareTarget creates the containers described by t and returns the id of the
// dataset files should be linked into.
func PrepareTarget(ctx context.Context, session omero.Session, t Target) (int64, error) {
	projectID := t.ProjectID
	datasetName := t.DatasetName

	if t.ProjectName != "" {
		id, err := session.CreateContainer(ctx, omero.KindProject, t.ProjectName)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to create project '%s'", t.ProjectName)
		}
		log.Infof("Created new project: %s with ID %d", t.ProjectName, id)
		projectID = id
		datasetName = t.ProjectName + "_Dataset"
	} else {
		if _, err := session.GetContainer(ctx, omero.ProjectRef(projectID)); err != nil {
			return 0, errors.Wrapf(err, "project %d", projectID)
		}
	}

	datasetID, err := session.CreateContainer(ctx, omero.KindDataset, datasetName)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to create dataset '%s'", datasetName)
	}
	log.Infof("Created new dataset: %s with ID %d", datasetName, datasetID)

	if err := session.LinkContainers(ctx, omero.ProjectRef(projectID), omero.DatasetRef(datasetID)); err != nil {
		return 0, errors.Wrapf(err, "unable to link dataset %d into project %d", datasetID, projectID)
	}

	return datasetID, nil
}
