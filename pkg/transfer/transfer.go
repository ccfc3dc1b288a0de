// Package transfer moves the original files behind OMERO images to and from a
// local directory. Each file is an independent unit of work run on a bounded
// worker pool; a failed file is reported and never stops the others.
package transfer

import (
	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/omero"
)

// Recorder persists the outcomes of a run once every transfer has finished.
type Recorder interface {
	RecordReport(direction Direction, container omero.Ref, report *Report) error
}

type Options struct {
	// Threads is the number of concurrent transfers, DefaultThreads when <= 0.
	Threads int

	// Recorder is optional.
	Recorder Recorder

	// Logger defaults to the apex/log package logger.
	Logger log.Interface
}

func (o Options) logger() log.Interface {
	if o.Logger == nil {
		return log.Log
	}
	return o.Logger
}

func (o Options) record(direction Direction, container omero.Ref, report *Report) {
	if o.Recorder == nil {
		return
	}

	if err := o.Recorder.RecordReport(direction, container, report); err != nil {
		o.logger().Errorf("Unable to record %s history for %s: %s", direction, container, err)
	}
}
