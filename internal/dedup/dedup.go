// Package dedup guards a source's delivery marker.
//
// Filter drops alerts at or below the stored marker; Advance moves the
// marker with compare-and-set once an alert has been fully dispatched.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"naualerts/internal/alert"
	"naualerts/internal/storage"
	logx "naualerts/pkg/logx"
)

// ErrConflict is returned by Advance when another writer moved the marker.
var ErrConflict = storage.ErrMarkerConflict

type Deduplicator struct {
	store storage.MarkerStore
	log   logx.Logger
}

func New(store storage.MarkerStore, log logx.Logger) *Deduplicator {
	return &Deduplicator{store: store, log: log.With(logx.String("comp", "dedup"))}
}

// Marker loads the current marker for source.
func (d *Deduplicator) Marker(ctx context.Context, source string) (alert.Marker, error) {
	mk, err := d.store.GetMarker(ctx, source)
	if err != nil {
		return alert.Marker{}, fmt.Errorf("load marker %s: %w", source, err)
	}
	return mk, nil
}

// Filter returns the alerts of batch newer than the stored marker, in batch
// order, keeping only the first occurrence of an id. The loaded marker is
// returned for the later Advance calls.
func (d *Deduplicator) Filter(ctx context.Context, source string, batch []alert.Alert) ([]alert.Alert, alert.Marker, error) {
	mk, err := d.Marker(ctx, source)
	if err != nil {
		return nil, alert.Marker{}, err
	}
	return Fresh(batch, mk.LastID), mk, nil
}

// Fresh is the pure part of Filter.
func Fresh(batch []alert.Alert, lastID uint64) []alert.Alert {
	seen := make(map[uint64]struct{}, len(batch))
	out := make([]alert.Alert, 0, len(batch))
	for _, a := range batch {
		if a.ID <= lastID {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Advance records id as delivered. Ids not above mk.LastID leave the marker
// untouched. On success the returned marker carries the new version and
// must be used for the next Advance.
func (d *Deduplicator) Advance(ctx context.Context, mk alert.Marker, id uint64) (alert.Marker, error) {
	if id <= mk.LastID {
		return mk, nil
	}
	next, err := d.store.CompareAndSetMarker(ctx, mk.Source, mk.Version, id)
	if errors.Is(err, storage.ErrMarkerConflict) {
		d.log.Warn("marker moved by another writer",
			logx.String("source", mk.Source),
			logx.Uint64("version", mk.Version),
			logx.Uint64("id", id),
		)
		return mk, ErrConflict
	}
	if err != nil {
		return mk, fmt.Errorf("advance marker %s to %d: %w", mk.Source, id, err)
	}
	d.log.Debug("marker advanced",
		logx.String("source", mk.Source),
		logx.Uint64("last_id", next.LastID),
		logx.Uint64("version", next.Version),
	)
	return next, nil
}
