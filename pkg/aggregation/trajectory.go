package aggregation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/tributary/pkg/arena"
	"github.com/sandboxws/tributary/pkg/pagedstore"
)

// Trajectory wire format: "TRAJ", uint32 point count, then per point
// int64 timestamp, float64 longitude, float64 latitude, all little-endian.
const (
	trajectoryMagic     = "TRAJ"
	trajectoryHeader    = 8
	trajectoryPointSize = 24
)

// ErrBadTrajectory is returned by DecodeTrajectory for malformed payloads.
var ErrBadTrajectory = errors.New("aggregation: malformed trajectory")

// Point is one trajectory sample.
type Point struct {
	Timestamp int64
	Lon       float64
	Lat       float64
}

var trajectoryLayout = mustLayout(
	pagedstore.Field{Name: "lon", Type: pagedstore.Float64},
	pagedstore.Field{Name: "lat", Type: pagedstore.Float64},
	pagedstore.Field{Name: "ts", Type: pagedstore.Int64},
)

func mustLayout(fields ...pagedstore.Field) *pagedstore.Layout {
	l, err := pagedstore.NewLayout(fields...)
	if err != nil {
		panic(err)
	}
	return l
}

// ZeroPointTrajectory is the value lowered for a window that saw no points.
func ZeroPointTrajectory() []byte {
	return encodeTrajectory(make([]byte, trajectoryHeader), nil)
}

func encodeTrajectory(dst []byte, points []Point) []byte {
	copy(dst, trajectoryMagic)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(points)))
	off := trajectoryHeader
	for _, p := range points {
		binary.LittleEndian.PutUint64(dst[off:], uint64(p.Timestamp))
		binary.LittleEndian.PutUint64(dst[off+8:], math.Float64bits(p.Lon))
		binary.LittleEndian.PutUint64(dst[off+16:], math.Float64bits(p.Lat))
		off += trajectoryPointSize
	}
	return dst
}

// DecodeTrajectory parses an encoded trajectory.
func DecodeTrajectory(b []byte) ([]Point, error) {
	if len(b) < trajectoryHeader || string(b[:4]) != trajectoryMagic {
		return nil, ErrBadTrajectory
	}
	n := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) != trajectoryHeader+n*trajectoryPointSize {
		return nil, fmt.Errorf("%w: %d points in %d bytes", ErrBadTrajectory, n, len(b))
	}
	points := make([]Point, n)
	off := trajectoryHeader
	for i := range points {
		points[i] = Point{
			Timestamp: int64(binary.LittleEndian.Uint64(b[off:])),
			Lon:       math.Float64frombits(binary.LittleEndian.Uint64(b[off+8:])),
			Lat:       math.Float64frombits(binary.LittleEndian.Uint64(b[off+16:])),
		}
		off += trajectoryPointSize
	}
	return points, nil
}

// DescribeTrajectory renders a trajectory value the way text sinks print
// variable-sized values: BINARY(<points>).
func DescribeTrajectory(b []byte) string {
	if len(b) < trajectoryHeader || string(b[:4]) != trajectoryMagic {
		return fmt.Sprintf("BINARY(%d)", len(b))
	}
	return fmt.Sprintf("BINARY(%d)", binary.LittleEndian.Uint32(b[4:]))
}

// temporalSequence collects (lon, lat, ts) points into a paged store hung
// off the state slot. The slot's block is empty.
type temporalSequence struct {
	name         string
	lon, lat, ts field
	pages        *pagedstore.PageAllocator
	bound        bool
}

func newTemporalSequence(spec Spec, pages *pagedstore.PageAllocator) *temporalSequence {
	return &temporalSequence{
		name:  spec.outputName(),
		lon:   field{name: spec.Fields[0], index: -1},
		lat:   field{name: spec.Fields[1], index: -1},
		ts:    field{name: spec.Fields[2], index: -1},
		pages: pages,
	}
}

func (t *temporalSequence) Name() string               { return t.name }
func (t *temporalSequence) Kind() string               { return KindTemporalSequence }
func (t *temporalSequence) StateSize() int             { return 0 }
func (t *temporalSequence) ResultType() arrow.DataType { return arrow.BinaryTypes.Binary }

func (t *temporalSequence) Bind(schema *arrow.Schema) error {
	for _, f := range []*field{&t.lon, &t.lat, &t.ts} {
		if err := f.bind(schema); err != nil {
			return err
		}
	}
	t.bound = true
	return nil
}

func (t *temporalSequence) store(st *State) (*pagedstore.Store, error) {
	s, ok := st.Ext.(*pagedstore.Store)
	if !ok {
		return nil, fmt.Errorf("aggregation: %s state %d was not reset", t.name, st.ID)
	}
	return s, nil
}

func (t *temporalSequence) Reset(st *State) error {
	if s, ok := st.Ext.(*pagedstore.Store); ok {
		s.Release()
		return nil
	}
	st.Ext = pagedstore.New(trajectoryLayout, t.pages)
	return nil
}

func (t *temporalSequence) Lift(st *State, rec arrow.Record, row int) error {
	if !t.bound {
		return ErrNotBound
	}
	s, err := t.store(st)
	if err != nil {
		return err
	}
	lon, err := t.lon.read(rec, row)
	if err != nil {
		return err
	}
	lat, err := t.lat.read(rec, row)
	if err != nil {
		return err
	}
	ts, err := t.ts.readInt(rec, row)
	if err != nil {
		return err
	}
	r, err := s.Append()
	if err != nil {
		return err
	}
	r.SetFloat64(0, lon)
	r.SetFloat64(1, lat)
	r.SetInt64(2, ts)
	return nil
}

func (t *temporalSequence) Combine(dst, src *State) error {
	d, err := t.store(dst)
	if err != nil {
		return err
	}
	s, err := t.store(src)
	if err != nil {
		return err
	}
	return d.Splice(s)
}

// Lower sorts the collected points by timestamp. Points with equal
// timestamps keep their collection order.
func (t *temporalSequence) Lower(st *State, a *arena.Arena) (any, error) {
	s, err := t.store(st)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, s.Len())
	s.Scan(func(r pagedstore.Row) bool {
		points = append(points, Point{Timestamp: r.Int64(2), Lon: r.Float64(0), Lat: r.Float64(1)})
		return true
	})
	slices.SortStableFunc(points, func(x, y Point) int {
		switch {
		case x.Timestamp < y.Timestamp:
			return -1
		case x.Timestamp > y.Timestamp:
			return 1
		}
		return 0
	})
	out, err := a.Allocate(trajectoryHeader + len(points)*trajectoryPointSize)
	if err != nil {
		return nil, err
	}
	return encodeTrajectory(out, points), nil
}

func (t *temporalSequence) Destroy(st *State) {
	if s, ok := st.Ext.(*pagedstore.Store); ok {
		s.Release()
	}
	st.Ext = nil
}
