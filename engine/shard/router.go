// Package shard assigns records to backing shards deterministically.
//
// Two strategies exist. OrdinalRouter preserves the historical layout of
// already-written data: a global insertion ordinal is looked up against a
// static threshold table. HashRouter derives the shard from a stable hash of
// the record's own ID, so routing survives retries without the caller having
// to replay the same start ordinal.
package shard

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// ID identifies one backing shard.
type ID string

// Router maps a record to a shard.
type Router interface {
	// Route returns the shard for a record given its global ordinal.
	// Implementations must be pure: same inputs, same shard, regardless of
	// runtime shard availability.
	Route(ordinal int, rec domain.Record) ID

	// Shards lists every shard the router can return, in stable order.
	Shards() []ID
}

// OrdinalRouter routes by global insertion ordinal against static,
// non-overlapping, increasing thresholds. Thresholds are fixed at deployment
// time; re-sharding written ordinals is not supported.
type OrdinalRouter struct {
	shards     []ID
	thresholds []int // len == len(shards)-1; shard i covers [t(i-1), t(i))
}

// NewOrdinalRouter builds an OrdinalRouter. thresholds must be strictly
// increasing and exactly one shorter than shards; the last shard covers
// [thresholds[n-1], ∞).
func NewOrdinalRouter(shards []ID, thresholds []int) (*OrdinalRouter, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard: no shards configured")
	}
	if len(thresholds) != len(shards)-1 {
		return nil, fmt.Errorf("shard: %d shards need %d thresholds, got %d",
			len(shards), len(shards)-1, len(thresholds))
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return nil, fmt.Errorf("shard: thresholds must be strictly increasing at index %d", i)
		}
	}
	return &OrdinalRouter{
		shards:     append([]ID(nil), shards...),
		thresholds: append([]int(nil), thresholds...),
	}, nil
}

// Route implements Router. The record itself is ignored; only the ordinal
// and the threshold table decide.
func (r *OrdinalRouter) Route(ordinal int, _ domain.Record) ID {
	return r.RouteForOrdinal(ordinal)
}

// RouteForOrdinal returns the shard covering the given ordinal.
func (r *OrdinalRouter) RouteForOrdinal(ordinal int) ID {
	i := sort.SearchInts(r.thresholds, ordinal+1)
	return r.shards[i]
}

// Shards implements Router.
func (r *OrdinalRouter) Shards() []ID {
	return append([]ID(nil), r.shards...)
}

// HashRouter routes by a stable hash of the record ID. Assignment is
// independent of call order, so retried batches land where the originals did.
type HashRouter struct {
	shards []ID
}

// NewHashRouter builds a HashRouter over the given shards.
func NewHashRouter(shards []ID) (*HashRouter, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard: no shards configured")
	}
	return &HashRouter{shards: append([]ID(nil), shards...)}, nil
}

// Route implements Router. The ordinal is ignored.
func (r *HashRouter) Route(_ int, rec domain.Record) ID {
	return r.RouteForID(rec.ID)
}

// RouteForID returns the shard for a record ID.
func (r *HashRouter) RouteForID(id string) ID {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Shards implements Router.
func (r *HashRouter) Shards() []ID {
	return append([]ID(nil), r.shards...)
}

// RouteBatch partitions records across shards, assigning ordinals
// startOrdinal, startOrdinal+1, ... in input order. Per-shard input order is
// preserved. With an OrdinalRouter, callers retrying the same logical batch
// must supply the same startOrdinal or records land on the wrong shard;
// HashRouter has no such hazard.
func RouteBatch(r Router, records []domain.Record, startOrdinal int) map[ID][]domain.Record {
	out := make(map[ID][]domain.Record)
	for i, rec := range records {
		s := r.Route(startOrdinal+i, rec)
		out[s] = append(out[s], rec)
	}
	return out
}
