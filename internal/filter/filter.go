// Package filter decides cheaply whether an uplink's device is of interest.
//
// The filter is a bloom filter published by the router operator. It may
// answer yes for devices it has never seen but never answers no for a
// device it contains.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/poc-gateway/internal/artifact"
	"github.com/lorawan-server/poc-gateway/internal/metrics"
)

// FilterError reports a refresh that could not be applied. The previous
// snapshot stays in effect.
type FilterError struct {
	Op  string
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("device filter %s: %v", e.Op, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// Snapshot is one immutable filter generation.
type Snapshot struct {
	bloom      *bloom.BloomFilter
	Generation uint64
	LoadedAt   time.Time
}

// Contains tests membership in this snapshot
func (s *Snapshot) Contains(id []byte) bool {
	return s.bloom.Test(id)
}

// DeviceFilter holds the active snapshot. Lookups never lock.
type DeviceFilter struct {
	snap   atomic.Pointer[Snapshot]
	source artifact.Fetcher

	writeMu sync.Mutex
	log     zerolog.Logger
}

// New creates an empty device filter. Until the first refresh every device
// is forwarded.
func New(source artifact.Fetcher) *DeviceFilter {
	return &DeviceFilter{
		source: source,
		log:    log.With().Str("module", "filter").Logger(),
	}
}

// Contains reports whether id may belong to a device of interest.
func (f *DeviceFilter) Contains(id []byte) bool {
	s := f.snap.Load()
	if s == nil {
		return true
	}
	return s.Contains(id)
}

// Snapshot returns the active snapshot, nil before the first refresh.
func (f *DeviceFilter) Snapshot() *Snapshot {
	return f.snap.Load()
}

// Generation returns the active generation, 0 before the first refresh.
func (f *DeviceFilter) Generation() uint64 {
	if s := f.snap.Load(); s != nil {
		return s.Generation
	}
	return 0
}

// Refresh builds a filter from its binary encoding and swaps it in.
func (f *DeviceFilter) Refresh(b []byte) error {
	bf := &bloom.BloomFilter{}
	if err := bf.UnmarshalBinary(b); err != nil {
		return &FilterError{Op: "decode", Err: err}
	}
	if bf.Cap() == 0 || bf.K() == 0 {
		return &FilterError{Op: "decode", Err: errors.New("empty filter")}
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	next := &Snapshot{
		bloom:      bf,
		Generation: f.Generation() + 1,
		LoadedAt:   time.Now(),
	}
	f.snap.Store(next)
	metrics.FilterGeneration.Set(float64(next.Generation))

	f.log.Info().Uint64("generation", next.Generation).Uint("bits", bf.Cap()).
		Uint("hashes", bf.K()).Msg("device filter active")
	return nil
}

// Sync fetches the filter artifact and applies it.
func (f *DeviceFilter) Sync(ctx context.Context) error {
	if f.source == nil {
		return nil
	}

	raw, err := f.source.Fetch(ctx)
	if errors.Is(err, artifact.ErrNotModified) {
		return nil
	}
	if err != nil {
		return &FilterError{Op: "fetch", Err: err}
	}
	return f.Refresh(raw)
}

// Build encodes a filter over ids sized for the given false-positive rate.
// Router operators and tests use it to produce filter artifacts.
func Build(ids [][]byte, fpRate float64) ([]byte, error) {
	n := uint(len(ids))
	if n == 0 {
		n = 1
	}
	bf := bloom.NewWithEstimates(n, fpRate)
	for _, id := range ids {
		bf.Add(id)
	}
	return bf.MarshalBinary()
}
