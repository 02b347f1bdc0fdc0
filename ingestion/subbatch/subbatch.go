// Package subbatch splits an ordered batch into ordering-safe sub-batches.
//
// Within a sub-batch no two items share the same ordering key, thus the items of a sub-batch can be
// handled independently of each other while the relative order of items sharing a key is preserved as
// long as sub-batches are handled one after the other.
package subbatch

import (
	"errors"
	"strconv"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
)

// ErrInvalidMaxSize is returned when splitting with a non positive max size
var ErrInvalidMaxSize = errors.New("sub-batch max size must be positive")

// OrderingKey returns the key used for ordering the events of the same user, i.e. team id (or token if the
// team is not resolved yet) and distinct id separated by a colon.
func OrderingKey(e *event.ParsedEvent) string {
	tenant := e.Token
	if e.TeamID != nil {
		tenant = strconv.FormatInt(*e.TeamID, 10)
	}
	return tenant + ":" + e.DistinctID
}

// Split partitions items greedily from left to right: the current sub-batch is closed as soon as it reaches
// maxSize items or the next item's key has already been seen in it.
// The concatenation of the returned sub-batches is always equal to items.
func Split[T any](items []T, maxSize int, key func(T) string) ([][]T, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	var (
		batches [][]T
		current []T
		seen    = make(map[string]struct{})
	)
	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok || len(current) == maxSize {
			batches = append(batches, current)
			current = nil
			clear(seen)
		}
		seen[k] = struct{}{}
		current = append(current, item)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
