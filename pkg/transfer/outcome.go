package transfer

import (
	"fmt"
)

type Status int

const (
	Success Status = iota
	Skipped
	Failed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
)

// Outcome is the result of one file transfer.
type Outcome struct {
	// Path is the local file.
	Path string

	// Name is the remote name of the file.
	Name string

	// FileID is the remote original file. For uploads it is only set on success.
	FileID int64

	Status Status
	Bytes  int64
	Err    error
}

func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Report collects the outcomes of one Download or Upload call.
type Report struct {
	Outcomes []Outcome

	// NoFiles lists matched images that had no underlying files.
	NoFiles []string

	// Missing lists requested names with no matching image.
	Missing []string
}

type Tally struct {
	Success int
	Skipped int
	Failed  int
}

func (t Tally) String() string {
	return fmt.Sprintf("%d succeeded, %d skipped, %d failed", t.Success, t.Skipped, t.Failed)
}

func (r *Report) Tally() Tally {
	var t Tally
	for _, o := range r.Outcomes {
		switch o.Status {
		case Success:
			t.Success++
		case Skipped:
			t.Skipped++
		case Failed:
			t.Failed++
		}
	}
	return t
}

func (r *Report) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == Failed {
			failed = append(failed, o)
		}
	}
	return failed
}
