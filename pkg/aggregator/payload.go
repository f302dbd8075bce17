package aggregator

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/foamflask/foamflask/pkg/types"
)

// LatestSample holds every field value of the newest time step. Vector
// fields appear as <f>x, <f>y, <f>z and <f>_mag.
type LatestSample struct {
	Time   float64
	Values map[string]float64
	ETag   string
}

// Empty reports whether no field could be read
func (l LatestSample) Empty() bool {
	return len(l.Values) == 0
}

// Names returns the value names in sorted order
func (l LatestSample) Names() []string {
	return sortedKeys(l.Values)
}

// MarshalJSON renders {"time": t, "p": v, ...}, or {} when empty
func (l LatestSample) MarshalJSON() ([]byte, error) {
	if l.Empty() {
		return []byte("{}"), nil
	}
	out := make(map[string]float64, len(l.Values)+1)
	for k, v := range l.Values {
		out[k] = v
	}
	out["time"] = l.Time
	return json.Marshal(out)
}

// SeriesPayload is the plotted history of every field of a case. Values
// are aligned with Time; a nil entry marks a time step where that field
// was not available.
type SeriesPayload struct {
	Time   []float64
	Values map[string][]*float64
	ETag   string
}

// Series returns the (time, value) samples of one name, gaps dropped
func (p SeriesPayload) Series(name string) []types.Sample {
	vals, ok := p.Values[name]
	if !ok {
		return nil
	}
	out := make([]types.Sample, 0, len(vals))
	for i, v := range vals {
		if v != nil {
			out = append(out, types.Sample{X: p.Time[i], Y: *v})
		}
	}
	return out
}

// Names returns the series names in sorted order
func (p SeriesPayload) Names() []string {
	names := make([]string, 0, len(p.Values))
	for k := range p.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders {"time": [...], "p": [...], ...}
func (p SeriesPayload) MarshalJSON() ([]byte, error) {
	if len(p.Time) == 0 {
		return []byte("{}"), nil
	}
	out := make(map[string]interface{}, len(p.Values)+1)
	for k, v := range p.Values {
		out[k] = v
	}
	out["time"] = p.Time
	return json.Marshal(out)
}

// ResidualPayload holds residual sequences of a case. Each variable maps
// to samples whose X is the 1-based occurrence index. Time lists every
// "Time = x" value in the log.
type ResidualPayload struct {
	Time      []float64
	Variables map[string][]types.Sample
	ETag      string
}

// Names returns the variable names in sorted order
func (p ResidualPayload) Names() []string {
	names := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders {"time": [...], "time_index": [1..n], "Ux": [...], ...}
func (p ResidualPayload) MarshalJSON() ([]byte, error) {
	if len(p.Variables) == 0 && len(p.Time) == 0 {
		return []byte("{}"), nil
	}

	out := make(map[string]interface{}, len(p.Variables)+2)
	longest := 0
	for name, samples := range p.Variables {
		vals := make([]float64, len(samples))
		for i, s := range samples {
			vals[i] = s.Y
		}
		out[name] = vals
		if len(samples) > longest {
			longest = len(samples)
		}
	}
	index := make([]int, longest)
	for i := range index {
		index[i] = i + 1
	}

	times := p.Time
	if times == nil {
		times = []float64{}
	}
	out["time"] = times
	out["time_index"] = index
	return json.Marshal(out)
}

// PressureCoefficient returns Cp = (p - pInf) / (0.5 * rho * uInf^2), or 0
// when the dynamic pressure is zero
func PressureCoefficient(p, pInf, rho, uInf float64) float64 {
	q := 0.5 * rho * uInf * uInf
	if q == 0 || math.IsNaN(q) {
		return 0
	}
	return (p - pInf) / q
}

// Reference conditions used when a caller does not supply its own
const (
	DefaultPInf = 101325.0
	DefaultRho  = 1.225
	DefaultUInf = 1.0
)

// named is one scalar entry derived from a field value
type named struct {
	name  string
	value float64
}

// expand turns a field value into plottable scalars
func expand(field string, v types.Value) []named {
	if !v.IsVector() {
		return []named{{field, v.Scalar}}
	}
	return []named{
		{field + "x", v.X()},
		{field + "y", v.Y()},
		{field + "z", v.Z()},
		{field + "_mag", v.Magnitude()},
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
