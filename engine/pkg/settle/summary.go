package settle

import (
	"sync"

	"github.com/cartnet/compensation/engine/pkg/apperr"
)

// Summary is the outcome report of a batch job. Batch jobs never fail as a
// whole on per-item errors; they land here instead.
type Summary struct {
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Errors    []ItemError `json:"errors"`
}

// ItemError describes why one batch item did not settle.
type ItemError struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Recorder accumulates a Summary from concurrent workers.
type Recorder struct {
	mu sync.Mutex
	s  Summary
}

func NewRecorder() *Recorder {
	return &Recorder{s: Summary{Errors: []ItemError{}}}
}

func (r *Recorder) Processed() {
	r.mu.Lock()
	r.s.Processed++
	r.mu.Unlock()
}

func (r *Recorder) Skipped() {
	r.mu.Lock()
	r.s.Skipped++
	r.mu.Unlock()
}

// Fail counts a failed item.
func (r *Recorder) Fail(id string, err error) {
	r.mu.Lock()
	r.s.Failed++
	r.s.Errors = append(r.s.Errors, ItemError{ID: id, Code: apperr.CodeOf(err), Message: err.Error()})
	r.mu.Unlock()
}

// Note records an error that does not count as a failed item, such as a pool
// level without participants.
func (r *Recorder) Note(id string, err error) {
	r.mu.Lock()
	r.s.Errors = append(r.s.Errors, ItemError{ID: id, Code: apperr.CodeOf(err), Message: err.Error()})
	r.mu.Unlock()
}

func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.s
	out.Errors = append([]ItemError{}, r.s.Errors...)
	return out
}
