// Package batch collects per-item outcomes of directory-wide jobs, where one
// bad file is logged and skipped instead of failing the run.
package batch

import (
	"fmt"
	"sync"
)

// Item is one skipped or failed input.
type Item struct {
	Name string
	Err  error
}

func (i Item) String() string { return fmt.Sprintf("%s: %v", i.Name, i.Err) }

// Report is safe for concurrent use.
type Report struct {
	mu      sync.Mutex
	Done    []string
	Skipped []Item
	Failed  []Item
}

func (r *Report) Ok(name string) {
	r.mu.Lock()
	r.Done = append(r.Done, name)
	r.mu.Unlock()
}

func (r *Report) Skip(name string, err error) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, Item{Name: name, Err: err})
	r.mu.Unlock()
}

func (r *Report) Fail(name string, err error) {
	r.mu.Lock()
	r.Failed = append(r.Failed, Item{Name: name, Err: err})
	r.mu.Unlock()
}

// Merge appends o's items to r.
func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	o.mu.Lock()
	done := append([]string(nil), o.Done...)
	skipped := append([]Item(nil), o.Skipped...)
	failed := append([]Item(nil), o.Failed...)
	o.mu.Unlock()

	r.mu.Lock()
	r.Done = append(r.Done, done...)
	r.Skipped = append(r.Skipped, skipped...)
	r.Failed = append(r.Failed, failed...)
	r.mu.Unlock()
}

func (r *Report) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%d done, %d skipped, %d failed", len(r.Done), len(r.Skipped), len(r.Failed))
}
