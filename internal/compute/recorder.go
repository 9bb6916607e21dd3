package compute

import (
	"sync"

	"qroute/internal/grid"
)

type DispatchRecord struct {
	Name   string
	Region grid.Int2
}

// Recorder forwards dispatches to another substrate and keeps their order.
type Recorder struct {
	next Substrate

	mu      sync.Mutex
	records []DispatchRecord
}

func NewRecorder(next Substrate) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Dispatch(name string, region grid.Int2, kernel Kernel) error {
	r.mu.Lock()
	r.records = append(r.records, DispatchRecord{Name: name, Region: region})
	r.mu.Unlock()
	return r.next.Dispatch(name, region, kernel)
}

func (r *Recorder) Records() []DispatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DispatchRecord, len(r.records))
	copy(out, r.records)
	return out
}

func (r *Recorder) Names() []string {
	records := r.Records()
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.Name
	}
	return out
}

func (r *Recorder) Counts() map[string]int {
	counts := map[string]int{}
	for _, rec := range r.Records() {
		counts[rec.Name]++
	}
	return counts
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}

func (r *Recorder) Workers() int {
	if sized, ok := r.next.(Sized); ok {
		return sized.Workers()
	}
	return 1
}
