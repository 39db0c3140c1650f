package aggregate

import (
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/bathygrid/internal/soundings"
)

// neighbourhood answers radius queries over a tile's points plus its halo.
type neighbourhood struct {
	tree   *kdtree.Tree
	points []soundings.Point
}

func newNeighbourhood(points []soundings.Point) *neighbourhood {
	locs := make(kdLocations, len(points))
	for i, p := range points {
		locs[i] = kdLocation{Point: p.Position(), idx: i}
	}
	return &neighbourhood{
		tree:   kdtree.New(locs, false),
		points: points,
	}
}

func (h *neighbourhood) within(center orb.Point, radius float64) []soundings.Point {
	if len(h.points) == 0 {
		return nil
	}
	// Distances in the tree are squared.
	keeper := kdtree.NewDistKeeper(radius * radius)
	h.tree.NearestSet(keeper, kdLocation{Point: center, idx: -1})

	out := make([]soundings.Point, 0, keeper.Len())
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, h.points[cd.Comparable.(kdLocation).idx])
	}
	return out
}

// kdLocation is a planar position tagged with its index in the point slice.
type kdLocation struct {
	orb.Point
	idx int
}

func (p kdLocation) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdLocation)
	return p.Point[d] - q.Point[d]
}

func (p kdLocation) Dims() int { return 2 }

// Distance returns the squared planar distance.
func (p kdLocation) Distance(c kdtree.Comparable) float64 {
	q := c.(kdLocation)
	dx := p.Point[0] - q.Point[0]
	dy := p.Point[1] - q.Point[1]
	return dx*dx + dy*dy
}

type kdLocations []kdLocation

func (p kdLocations) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdLocations) Len() int                              { return len(p) }
func (p kdLocations) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p kdLocations) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(locationPlane{kdLocations: p, Dim: d}, kdtree.MedianOfMedians(locationPlane{kdLocations: p, Dim: d}))
}

// locationPlane sorts locations along one dimension.
type locationPlane struct {
	kdLocations
	kdtree.Dim
}

func (p locationPlane) Less(i, j int) bool {
	return p.kdLocations[i].Point[p.Dim] < p.kdLocations[j].Point[p.Dim]
}

func (p locationPlane) Slice(start, end int) kdtree.SortSlicer {
	return locationPlane{kdLocations: p.kdLocations[start:end], Dim: p.Dim}
}

func (p locationPlane) Swap(i, j int) {
	p.kdLocations[i], p.kdLocations[j] = p.kdLocations[j], p.kdLocations[i]
}
