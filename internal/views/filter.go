package views

import "sync"

// Filter holds the history date filter of one page. Loaders read it when
// they run, so a change is picked up by the next refresh.
type Filter struct {
	mu   sync.RWMutex
	date string
}

func (f *Filter) Set(date string) {
	f.mu.Lock()
	f.date = date
	f.mu.Unlock()
}

func (f *Filter) Clear() { f.Set("") }

func (f *Filter) Date() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.date
}
