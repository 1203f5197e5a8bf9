// Package instruments is the instrument directory: the registry of
// tradeable tickers the engine validates submissions against.
package instruments

import (
	"fmt"
	"sort"
	"sync"

	"bourse/internal/models"
)

// Directory is an in-memory instrument registry.
type Directory struct {
	mu    sync.RWMutex
	items map[string]models.Instrument
}

// New creates a directory pre-seeded with the cash instrument, which
// always exists and can never be delisted.
func New(cashTicker string) *Directory {
	d := &Directory{items: make(map[string]models.Instrument)}
	d.items[cashTicker] = models.Instrument{
		Ticker:   cashTicker,
		Name:     cashTicker,
		IsActive: true,
	}
	return d
}

// Add registers a new instrument with the given state; a restored
// inactive instrument stays inactive. The ticker must be uppercase
// alphanumeric and unused.
func (d *Directory) Add(inst models.Instrument) error {
	if !models.ValidTicker(inst.Ticker) {
		return fmt.Errorf("invalid ticker %q: must be uppercase alphanumeric", inst.Ticker)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.items[inst.Ticker]; exists {
		return fmt.Errorf("instrument %s already exists", inst.Ticker)
	}
	d.items[inst.Ticker] = inst
	return nil
}

// SetActive halts or resumes trading on an instrument. An inactive
// instrument rejects new submissions; resting orders stay cancellable.
func (d *Directory) SetActive(ticker string, active bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.items[ticker]
	if !ok {
		return models.ErrNotFound
	}
	inst.IsActive = active
	d.items[ticker] = inst
	return nil
}

// Get returns the instrument for ticker, active or not.
func (d *Directory) Get(ticker string) (models.Instrument, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.items[ticker]
	if !ok {
		return models.Instrument{}, models.ErrNotFound
	}
	return inst, nil
}

// Delete removes an instrument. The caller must first verify no active
// orders reference it.
func (d *Directory) Delete(ticker string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[ticker]; !ok {
		return models.ErrNotFound
	}
	delete(d.items, ticker)
	return nil
}

// List returns all instruments sorted by ticker.
func (d *Directory) List() []models.Instrument {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Instrument, 0, len(d.items))
	for _, inst := range d.items {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}
