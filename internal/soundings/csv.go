package soundings

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV reads soundings from rows of x,y,z,tvu,thu[,flag[,line]]. A first
// row whose x column is not a number is taken as a header and skipped.
// Rows without a line column get defaultLine.
func ReadCSV(r io.Reader, defaultLine string) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var pts []Point
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return pts, nil
		}
		if err != nil {
			return nil, err
		}
		if row == 1 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64); err != nil {
				continue
			}
		}
		p, err := parseRecord(rec, defaultLine)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		pts = append(pts, p)
	}
}

func parseRecord(rec []string, defaultLine string) (Point, error) {
	if len(rec) < 5 || len(rec) > 7 {
		return Point{}, fmt.Errorf("want 5 to 7 columns, got %d", len(rec))
	}
	var v [5]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return Point{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		v[i] = f
	}
	p := Point{X: v[0], Y: v[1], Z: v[2], TVU: float32(v[3]), THU: float32(v[4]), Line: defaultLine}
	if len(rec) > 5 && strings.TrimSpace(rec[5]) != "" {
		f, err := strconv.ParseUint(strings.TrimSpace(rec[5]), 10, 8)
		if err != nil || Flag(f) > FlagAccepted {
			return Point{}, fmt.Errorf("bad flag %q", rec[5])
		}
		p.Flag = Flag(f)
	}
	if len(rec) > 6 && strings.TrimSpace(rec[6]) != "" {
		p.Line = strings.TrimSpace(rec[6])
	}
	return p, nil
}
