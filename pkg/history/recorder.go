package history

import (
	"time"

	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/histo-tools/omerotk/pkg/transfer"
)

// Recorder writes the outcomes of a transfer run into a Store under one run id.
type Recorder struct {
	store Store
	runID string
	now   func() time.Time
}

func NewRecorder(store Store, runID string) *Recorder {
	return &Recorder{store: store, runID: runID, now: time.Now}
}

func (r *Recorder) RecordReport(direction transfer.Direction, container omero.Ref, report *transfer.Report) error {
	now := r.now()
	records := make([]TransferRecord, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		records = append(records, TransferRecord{
			RunID:         r.runID,
			Direction:     string(direction),
			ContainerKind: container.Kind.String(),
			ContainerID:   container.ID,
			Name:          o.Name,
			Path:          o.Path,
			FileID:        o.FileID,
			Size:          o.Bytes,
			Status:        o.Status.String(),
			Reason:        o.Reason(),
			CreatedAt:     now,
		})
	}

	return r.store.RecordOutcomes(records)
}
