package geohash

import (
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
)

// LineRef names one line within one container.
type LineRef struct {
	Container string
	Line      string
}

// Store persists recorded code sets. internal/indexdb implements it.
type Store interface {
	SaveCodes(container, line string, codes []string) error
	DeleteContainer(container string) error
}

// Index records, per (container, line), the distinct codes its points fall
// in. Point positions are never stored here.
type Index struct {
	domain    Domain
	precision uint
	store     Store

	mu     sync.RWMutex
	byLine map[LineRef]map[string]struct{}
	byCode map[string]map[LineRef]struct{}
}

// NewIndex creates an empty index. A nil store keeps the index in memory only.
func NewIndex(d Domain, precision uint, store Store) *Index {
	if precision == 0 {
		precision = DefaultPrecision
	}
	return &Index{
		domain:    d,
		precision: precision,
		store:     store,
		byLine:    make(map[LineRef]map[string]struct{}),
		byCode:    make(map[string]map[LineRef]struct{}),
	}
}

// Domain returns the coordinate domain the index encodes against.
func (ix *Index) Domain() Domain { return ix.domain }

// Precision returns the code length.
func (ix *Index) Precision() uint { return ix.precision }

// Encode returns the code of (x, y).
func (ix *Index) Encode(x, y float64) string {
	return Encode(ix.domain, x, y, ix.precision)
}

// CodesInRegion returns the covering set of b at the index precision.
func (ix *Index) CodesInRegion(b orb.Bound) CodeSet {
	return CodesInRegion(ix.domain, b, ix.precision)
}

// CodesInPolygon returns the covering set of p at the index precision.
func (ix *Index) CodesInPolygon(p orb.Polygon) CodeSet {
	return CodesInPolygon(ix.domain, p, ix.precision)
}

// RecordCodes merges codes into the set recorded for (container, line).
func (ix *Index) RecordCodes(container, line string, codes []string) error {
	ref := LineRef{Container: container, Line: line}

	ix.mu.Lock()
	set := ix.byLine[ref]
	if set == nil {
		set = make(map[string]struct{}, len(codes))
		ix.byLine[ref] = set
	}
	added := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := set[c]; ok {
			continue
		}
		set[c] = struct{}{}
		added = append(added, c)
		refs := ix.byCode[c]
		if refs == nil {
			refs = make(map[LineRef]struct{})
			ix.byCode[c] = refs
		}
		refs[ref] = struct{}{}
	}
	ix.mu.Unlock()

	if ix.store != nil && len(added) > 0 {
		if err := ix.store.SaveCodes(container, line, added); err != nil {
			return fmt.Errorf("persist codes for %s/%s: %w", container, line, err)
		}
	}
	return nil
}

// RemoveContainer forgets every line of the container.
func (ix *Index) RemoveContainer(container string) error {
	ix.mu.Lock()
	for ref, codes := range ix.byLine {
		if ref.Container != container {
			continue
		}
		for c := range codes {
			refs := ix.byCode[c]
			delete(refs, ref)
			if len(refs) == 0 {
				delete(ix.byCode, c)
			}
		}
		delete(ix.byLine, ref)
	}
	ix.mu.Unlock()

	if ix.store != nil {
		if err := ix.store.DeleteContainer(container); err != nil {
			return fmt.Errorf("delete codes for %s: %w", container, err)
		}
	}
	return nil
}

// LinesIntersecting returns the lines with at least one recorded code
// touching the bound.
func (ix *Index) LinesIntersecting(b orb.Bound) map[LineRef]struct{} {
	return ix.LinesIn(ix.CodesInRegion(b))
}

// LinesIn returns the lines with at least one recorded code in set.
func (ix *Index) LinesIn(set CodeSet) map[LineRef]struct{} {
	out := make(map[LineRef]struct{})
	if set.Empty() {
		return out
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for code, refs := range ix.byCode {
		if !set.Intersects(code) {
			continue
		}
		for ref := range refs {
			out[ref] = struct{}{}
		}
	}
	return out
}

// ContainersIntersecting returns the containers with a line touching b.
func (ix *Index) ContainersIntersecting(b orb.Bound) []string {
	seen := make(map[string]struct{})
	for ref := range ix.LinesIntersecting(b) {
		seen[ref.Container] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Codes returns the sorted distinct codes recorded for a container.
func (ix *Index) Codes(container string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	for ref, codes := range ix.byLine {
		if ref.Container != container {
			continue
		}
		for c := range codes {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Lines returns the sorted lines recorded for a container.
func (ix *Index) Lines(container string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []string
	for ref := range ix.byLine {
		if ref.Container == container {
			out = append(out, ref.Line)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of distinct codes recorded across all lines.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byCode)
}
