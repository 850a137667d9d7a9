// Package planner pages through candidate identifiers and packs them into work units.
package planner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

const (
	// DefaultUnitSize is the number of candidates per work unit.
	DefaultUnitSize = 30
	// DefaultPageSize is the number of candidates read per source query.
	DefaultPageSize = 500
	// MaxUnitSize bounds per-unit memory and wall time.
	MaxUnitSize = 100
)

// ErrStalledCursor is returned when the source keeps returning the same page.
var ErrStalledCursor = errors.New("candidate cursor did not advance")

// Options selects and shapes the candidates for one plan.
type Options struct {
	UnitSize    int
	StartAfter  int64
	Ceiling     int64
	RequireGPIN bool
}

// Planner is deterministic: the same candidate table and options always
// produce the same units in the same order.
type Planner struct {
	source   parcel.CandidateSource
	pageSize int
	logger   *zap.Logger
}

// New builds a Planner reading pageSize candidates per query.
func New(source parcel.CandidateSource, pageSize int, logger *zap.Logger) *Planner {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{source: source, pageSize: pageSize, logger: logger}
}

// Normalize fills defaults and validates options.
func (o Options) Normalize() (Options, error) {
	if o.UnitSize == 0 {
		o.UnitSize = DefaultUnitSize
	}
	if o.UnitSize < 0 || o.UnitSize > MaxUnitSize {
		return o, fmt.Errorf("unit size must be between 1 and %d", MaxUnitSize)
	}
	if o.StartAfter < 0 {
		return o, errors.New("start_after must be >= 0")
	}
	if o.Ceiling > 0 && o.Ceiling <= o.StartAfter {
		return o, errors.New("ceiling must be greater than start_after")
	}
	return o, nil
}

// Each streams units to fn in order without holding more than one page and
// one unit in memory. It returns the number of candidates emitted.
func (p *Planner) Each(ctx context.Context, opts Options, fn func(parcel.WorkUnit) error) (int, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return 0, err
	}
	var (
		cursor = opts.StartAfter
		total  int
		index  int
		buf    = make([]parcel.Candidate, 0, opts.UnitSize)
	)
	emit := func() error {
		unit := parcel.WorkUnit{Index: index, Items: buf}
		index++
		buf = make([]parcel.Candidate, 0, opts.UnitSize)
		return fn(unit)
	}

	for {
		page, err := p.source.ListCandidates(ctx, parcel.CandidateQuery{
			After:       cursor,
			Ceiling:     opts.Ceiling,
			Limit:       p.pageSize,
			RequireGPIN: opts.RequireGPIN,
		})
		if err != nil {
			return total, fmt.Errorf("list candidates after %d: %w", cursor, err)
		}
		for _, cand := range page {
			if cand.InternalRef <= cursor {
				return total, fmt.Errorf("%w: ref %d after %d", ErrStalledCursor, cand.InternalRef, cursor)
			}
			cursor = cand.InternalRef
			buf = append(buf, cand)
			total++
			if len(buf) == opts.UnitSize {
				if err := emit(); err != nil {
					return total, err
				}
			}
		}
		p.logger.Debug("candidate page read", zap.Int("size", len(page)), zap.Int64("cursor", cursor))
		if len(page) < p.pageSize {
			break
		}
	}
	if len(buf) > 0 {
		if err := emit(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Plan materializes every unit. Use Each for very large candidate sets.
func (p *Planner) Plan(ctx context.Context, opts Options) ([]parcel.WorkUnit, int, error) {
	var units []parcel.WorkUnit
	total, err := p.Each(ctx, opts, func(u parcel.WorkUnit) error {
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return units, total, nil
}
