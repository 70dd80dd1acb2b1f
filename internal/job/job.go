// Package job runs a single image-generation job end to end: it loads the
// template workflow, applies the job's overrides, launches a dedicated
// backend, submits the workflow, waits for it and reports the produced
// files. Each job owns its backend and transient files, and all of them are
// released when the job ends, whatever the outcome.
package job

import "errors"

// NoOutputMessage is the error reported for a job that finished without
// producing any image.
const NoOutputMessage = "No images generated"

// ErrNoOutput is returned when the backend finished but no image was found.
var ErrNoOutput = errors.New("no images generated")

// Job is a unit of work as delivered by the queue.
type Job struct {
	ID    string         `json:"id"`
	Input map[string]any `json:"input"`
}

// Result is the outcome of a job. Exactly one of OutputImages or Error is
// set. OutputURLs is set when the images were uploaded, in the same order.
type Result struct {
	JobID        string   `json:"job_id"`
	OutputImages []string `json:"output_images,omitempty"`
	OutputURLs   []string `json:"output_urls,omitempty"`
	Error        string   `json:"error,omitempty"`

	err error
}

// Failed reports whether the job did not complete.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Err returns the error that failed the job, or nil.
func (r Result) Err() error {
	return r.err
}

func success(jobID string, outputs, urls []string) Result {
	return Result{JobID: jobID, OutputImages: outputs, OutputURLs: urls}
}

func failure(jobID string, err error) Result {
	return Result{JobID: jobID, Error: describe(err), err: err}
}

// describe turns an error into the message reported to the caller.
func describe(err error) string {
	if errors.Is(err, ErrNoOutput) {
		return NoOutputMessage
	}
	return err.Error()
}

