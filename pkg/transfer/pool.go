package transfer

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

const DefaultThreads = 4

// unit is one file transfer. name, path and fileID describe the transfer when
// run panics or can't be scheduled.
type unit struct {
	name   string
	path   string
	fileID int64
	run    func() Outcome
}

func (u unit) failed(err error) Outcome {
	return Outcome{Path: u.path, Name: u.name, FileID: u.fileID, Status: Failed, Err: err}
}

// runUnits runs every unit on a pool of threads workers and returns their
// outcomes in submission order once all of them have finished. A failing or
// panicking unit doesn't affect the others.
func runUnits(threads int, units []unit, logger log.Interface) ([]Outcome, error) {
	if threads <= 0 {
		threads = DefaultThreads
	}

	pool, err := ants.NewPool(threads)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create worker pool of size %d", threads)
	}
	defer pool.Release()

	outcomes := make([]Outcome, len(units))

	var wg sync.WaitGroup
	for i := range units {
		i := i
		u := units[i]

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("name", u.name).Errorf("transfer panicked: %v", r)
					outcomes[i] = u.failed(fmt.Errorf("panic: %v", r))
				}
			}()

			outcomes[i] = u.run()
		})

		if err != nil {
			wg.Done()
			outcomes[i] = u.failed(errors.Wrap(err, "unable to schedule transfer"))
		}
	}

	wg.Wait()

	return outcomes, nil
}
