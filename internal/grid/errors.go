package grid

import (
	"errors"
	"fmt"

	"github.com/banshee-data/bathygrid/internal/tile"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrOutOfBounds       = errors.New("points outside the grid domain")
	ErrEmptyInput        = errors.New("no valid points")
	ErrTileAggregation   = errors.New("tile aggregation failed")
	ErrContainerNotFound = errors.New("container not found")
	ErrQueryTooLarge     = errors.New("query exceeds max_query_cells")
	ErrConfigMismatch    = errors.New("configuration conflicts with the stored grid")
)

// OutOfBoundsError rejects a container with points outside the domain of
// the grid's coordinate system. Nothing of the container is written.
type OutOfBoundsError struct {
	Container string
	Count     int     // number of offending points
	X, Y      float64 // first offending point
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("container %s: %d point(s) outside the grid domain, first at (%v, %v)",
		e.Container, e.Count, e.X, e.Y)
}

func (e *OutOfBoundsError) Is(target error) bool { return target == ErrOutOfBounds }

// EmptyInputError rejects a container with no valid point after filtering.
type EmptyInputError struct {
	Container string
	Rejected  int // points dropped as no-data or rejected
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("container %s: no valid points (%d rejected)", e.Container, e.Rejected)
}

func (e *EmptyInputError) Is(target error) bool { return target == ErrEmptyInput }

// TileAggregationError is the failure of one tile during a regrid. The tile
// stays stale.
type TileAggregationError struct {
	Tile tile.Key
	Name string
	Err  error
}

func (e *TileAggregationError) Error() string {
	return fmt.Sprintf("tile %s %s: %v", e.Name, e.Tile, e.Err)
}

func (e *TileAggregationError) Is(target error) bool { return target == ErrTileAggregation }

func (e *TileAggregationError) Unwrap() error { return e.Err }

// ContainerNotFoundError is returned by operations naming an unknown
// container.
type ContainerNotFoundError struct {
	ID string
}

func (e *ContainerNotFoundError) Error() string {
	return fmt.Sprintf("container %s not found", e.ID)
}

func (e *ContainerNotFoundError) Is(target error) bool { return target == ErrContainerNotFound }
