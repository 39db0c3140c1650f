package tile

import (
	"sort"

	"github.com/paulmach/orb"

	"github.com/banshee-data/bathygrid/internal/soundings"
)

// Block is the columnar point storage of one container within one tile.
// Lines and codes are stored once in a table and referenced per point.
// A block is never modified after it is built; re-adding a container
// replaces the block.
type Block struct {
	Container string

	X, Y, Z  []float64
	TVU, THU []float32
	LineIdx  []uint32
	CodeIdx  []uint32

	Lines []string // distinct lines, sorted
	Codes []string // distinct geohash codes, sorted
}

// NewBlock packs points into columns.
func NewBlock(container string, pts []soundings.Point) *Block {
	b := &Block{
		Container: container,
		X:         make([]float64, len(pts)),
		Y:         make([]float64, len(pts)),
		Z:         make([]float64, len(pts)),
		TVU:       make([]float32, len(pts)),
		THU:       make([]float32, len(pts)),
		LineIdx:   make([]uint32, len(pts)),
		CodeIdx:   make([]uint32, len(pts)),
	}
	b.Lines = distinct(pts, func(p soundings.Point) string { return p.Line })
	b.Codes = distinct(pts, func(p soundings.Point) string { return p.Code })
	lines := tableIndex(b.Lines)
	codes := tableIndex(b.Codes)
	for i, p := range pts {
		b.X[i], b.Y[i], b.Z[i] = p.X, p.Y, p.Z
		b.TVU[i], b.THU[i] = p.TVU, p.THU
		b.LineIdx[i] = lines[p.Line]
		b.CodeIdx[i] = codes[p.Code]
	}
	return b
}

func distinct(pts []soundings.Point, field func(soundings.Point) string) []string {
	seen := make(map[string]struct{})
	for _, p := range pts {
		seen[field(p)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func tableIndex(table []string) map[string]uint32 {
	m := make(map[string]uint32, len(table))
	for i, s := range table {
		m[s] = uint32(i)
	}
	return m
}

// Len returns the number of points.
func (b *Block) Len() int { return len(b.X) }

// Point rebuilds the i-th point.
func (b *Block) Point(i int) soundings.Point {
	return soundings.Point{
		X:         b.X[i],
		Y:         b.Y[i],
		Z:         b.Z[i],
		TVU:       b.TVU[i],
		THU:       b.THU[i],
		Line:      b.Lines[b.LineIdx[i]],
		Code:      b.Codes[b.CodeIdx[i]],
		Container: b.Container,
	}
}

// Points rebuilds every point.
func (b *Block) Points() []soundings.Point {
	out := make([]soundings.Point, b.Len())
	for i := range out {
		out[i] = b.Point(i)
	}
	return out
}

// Merge returns a new block holding b's points followed by pts.
func (b *Block) Merge(pts []soundings.Point) *Block {
	all := append(b.Points(), pts...)
	return NewBlock(b.Container, all)
}

// Bound returns the bounding box of the block's points.
func (b *Block) Bound() orb.Bound {
	if b.Len() == 0 {
		return orb.Bound{}
	}
	bound := orb.Bound{Min: orb.Point{b.X[0], b.Y[0]}, Max: orb.Point{b.X[0], b.Y[0]}}
	for i := 1; i < b.Len(); i++ {
		bound = bound.Extend(orb.Point{b.X[i], b.Y[i]})
	}
	return bound
}

// Filter is applied per point by tile queries. Code membership is decided
// by the caller's region cover; Inner codes skip the coordinate test.
type Filter struct {
	// Lines restricts the search to these lines per container, nil for all.
	// A block whose container is missing is skipped.
	Lines map[string]map[string]struct{}
	// Code classifies a code: reject, accept outright or test coordinates.
	Code func(code string) CodeMatch
	// Contains is the coordinate test for partially covered codes.
	Contains func(orb.Point) bool
}

// CodeMatch is the outcome of classifying a geohash against a region.
type CodeMatch int

const (
	CodeOutside CodeMatch = iota
	CodeInner
	CodePartial
)

// Select appends the block's points passing f to dst.
func (b *Block) Select(dst []soundings.Point, f Filter) []soundings.Point {
	var wanted map[string]struct{}
	if f.Lines != nil {
		if wanted = f.Lines[b.Container]; wanted == nil {
			return dst
		}
	}
	lineOK := make([]bool, len(b.Lines))
	anyLine := false
	for i, l := range b.Lines {
		if wanted == nil {
			lineOK[i] = true
		} else {
			_, lineOK[i] = wanted[l]
		}
		anyLine = anyLine || lineOK[i]
	}
	if !anyLine {
		return dst
	}
	codeMatch := make([]CodeMatch, len(b.Codes))
	anyCode := false
	for i, c := range b.Codes {
		if f.Code == nil {
			codeMatch[i] = CodePartial
		} else {
			codeMatch[i] = f.Code(c)
		}
		anyCode = anyCode || codeMatch[i] != CodeOutside
	}
	if !anyCode {
		return dst
	}
	for i := 0; i < b.Len(); i++ {
		if !lineOK[b.LineIdx[i]] {
			continue
		}
		switch codeMatch[b.CodeIdx[i]] {
		case CodeOutside:
			continue
		case CodePartial:
			if f.Contains != nil && !f.Contains(orb.Point{b.X[i], b.Y[i]}) {
				continue
			}
		}
		dst = append(dst, b.Point(i))
	}
	return dst
}
