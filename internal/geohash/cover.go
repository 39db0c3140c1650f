package geohash

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// CodeSet is the set of codes covering a query region.
//
// Cells lying fully inside the region are kept as the shortest prefix whose
// cell is inside, so Inner holds prefixes of length <= Precision. Cells that
// straddle the region boundary are kept at full precision in Partial. A
// large region therefore costs a set proportional to its perimeter.
type CodeSet struct {
	Precision uint
	Inner     map[string]struct{}
	Partial   map[string]struct{}
}

func newCodeSet(precision uint) CodeSet {
	return CodeSet{
		Precision: precision,
		Inner:     make(map[string]struct{}),
		Partial:   make(map[string]struct{}),
	}
}

// IsInner reports whether code's cell lies entirely inside the region.
func (s CodeSet) IsInner(code string) bool {
	for n := 1; n <= len(code); n++ {
		if _, ok := s.Inner[code[:n]]; ok {
			return true
		}
	}
	return false
}

// Intersects reports whether code's cell touches the region at all.
func (s CodeSet) Intersects(code string) bool {
	if _, ok := s.Partial[code]; ok {
		return true
	}
	return s.IsInner(code)
}

// Empty reports whether the region covers no cells.
func (s CodeSet) Empty() bool {
	return len(s.Inner) == 0 && len(s.Partial) == 0
}

// Intersecting returns every full-precision code in the set, sorted. Inner
// prefixes are expanded, so this is only suitable for small regions.
func (s CodeSet) Intersecting() []string {
	out := make([]string, 0, len(s.Partial))
	for c := range s.Partial {
		out = append(out, c)
	}
	for p := range s.Inner {
		out = expand(out, p, s.Precision)
	}
	sort.Strings(out)
	return out
}

func expand(out []string, prefix string, precision uint) []string {
	if uint(len(prefix)) == precision {
		return append(out, prefix)
	}
	for i := 0; i < len(base32); i++ {
		out = expand(out, prefix+base32[i:i+1], precision)
	}
	return out
}

// region abstracts the two query shapes for the cover walk.
type region interface {
	bound() orb.Bound
	// classify returns whether the cell touches the region and whether it
	// lies fully inside it.
	classify(cell orb.Bound) (touches, inside bool)
}

// CodesInRegion returns the codes covering the bound.
func CodesInRegion(d Domain, b orb.Bound, precision uint) CodeSet {
	return cover(d, boundRegion{b: b, eps: d.epsilon()}, precision)
}

// CodesInPolygon returns the codes covering the polygon.
func CodesInPolygon(d Domain, p orb.Polygon, precision uint) CodeSet {
	return cover(d, polygonRegion{p: p, eps: d.epsilon()}, precision)
}

func cover(d Domain, r region, precision uint) CodeSet {
	set := newCodeSet(precision)
	if precision == 0 || !r.bound().Intersects(d.Bound()) {
		return set
	}
	walk(d, r, "", precision, &set)
	return set
}

func walk(d Domain, r region, prefix string, precision uint, set *CodeSet) {
	for i := 0; i < len(base32); i++ {
		code := prefix + base32[i:i+1]
		touches, inside := r.classify(CellBound(d, code))
		switch {
		case !touches:
		case inside:
			set.Inner[code] = struct{}{}
		case uint(len(code)) == precision:
			set.Partial[code] = struct{}{}
		default:
			walk(d, r, code, precision, set)
		}
	}
}

type boundRegion struct {
	b   orb.Bound
	eps float64
}

func (r boundRegion) bound() orb.Bound { return r.b }

func (r boundRegion) classify(c orb.Bound) (bool, bool) {
	b, e := r.b, r.eps
	touches := c.Min[0] <= b.Max[0]+e && c.Max[0] >= b.Min[0]-e &&
		c.Min[1] <= b.Max[1]+e && c.Max[1] >= b.Min[1]-e
	if !touches {
		return false, false
	}
	inside := c.Min[0] >= b.Min[0]+e && c.Max[0] <= b.Max[0]-e &&
		c.Min[1] >= b.Min[1]+e && c.Max[1] <= b.Max[1]-e
	return true, inside
}

type polygonRegion struct {
	p   orb.Polygon
	eps float64
}

func (r polygonRegion) bound() orb.Bound { return r.p.Bound() }

func (r polygonRegion) classify(c orb.Bound) (bool, bool) {
	padded := c.Pad(r.eps)
	if !padded.Intersects(r.p.Bound()) {
		return false, false
	}
	crosses := false
	for _, ring := range r.p {
		for i := 0; i+1 < len(ring); i++ {
			if segmentTouches(ring[i], ring[i+1], padded) {
				crosses = true
				break
			}
		}
		if crosses {
			break
		}
	}
	corners := [4]orb.Point{c.Min, {c.Max[0], c.Min[1]}, c.Max, {c.Min[0], c.Max[1]}}
	anyIn, allIn := false, true
	for _, pt := range corners {
		if planar.PolygonContains(r.p, pt) {
			anyIn = true
		} else {
			allIn = false
		}
	}
	if crosses {
		return true, false
	}
	return anyIn, allIn
}

// segmentTouches reports whether segment a-b intersects the rectangle,
// using Liang-Barsky clipping.
func segmentTouches(a, b orb.Point, r orb.Bound) bool {
	dx, dy := b[0]-a[0], b[1]-a[1]
	t0, t1 := 0.0, 1.0
	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return false
			}
			if t > t0 {
				t0 = t
			}
		} else {
			if t < t0 {
				return false
			}
			if t < t1 {
				t1 = t
			}
		}
		return true
	}
	return clip(-dx, a[0]-r.Min[0]) && clip(dx, r.Max[0]-a[0]) &&
		clip(-dy, a[1]-r.Min[1]) && clip(dy, r.Max[1]-a[1])
}
