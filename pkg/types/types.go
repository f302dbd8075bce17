package types

import (
	"math"
	"time"
)

// Kind distinguishes scalar from vector field values
type Kind string

const (
	KindScalar Kind = "scalar"
	KindVector Kind = "vector"
)

// Representation records how the internal field was stored in the file
type Representation string

const (
	RepresentationUniform    Representation = "uniform"
	RepresentationNonUniform Representation = "nonuniform"
)

// Value is a decoded internal-field value: one scalar or a 3-vector.
// For non-uniform fields it holds the representative value only.
type Value struct {
	Kind   Kind
	Scalar float64
	Vector [3]float64
}

// ScalarValue builds a scalar Value
func ScalarValue(v float64) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

// VectorValue builds a vector Value
func VectorValue(x, y, z float64) Value {
	return Value{Kind: KindVector, Vector: [3]float64{x, y, z}}
}

// IsVector reports whether the value is a 3-vector
func (v Value) IsVector() bool {
	return v.Kind == KindVector
}

// X returns the x component of a vector value
func (v Value) X() float64 { return v.Vector[0] }

// Y returns the y component of a vector value
func (v Value) Y() float64 { return v.Vector[1] }

// Z returns the z component of a vector value
func (v Value) Z() float64 { return v.Vector[2] }

// Magnitude returns |v| for vectors and |s| for scalars
func (v Value) Magnitude() float64 {
	if v.Kind == KindVector {
		return math.Sqrt(v.Vector[0]*v.Vector[0] + v.Vector[1]*v.Vector[1] + v.Vector[2]*v.Vector[2])
	}
	return math.Abs(v.Scalar)
}

// Finite reports whether every component is a finite number
func (v Value) Finite() bool {
	if v.Kind == KindVector {
		for _, c := range v.Vector {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return false
			}
		}
		return true
	}
	return !math.IsNaN(v.Scalar) && !math.IsInf(v.Scalar, 0)
}

// FieldSample is one field value read from a time-step directory
type FieldSample struct {
	// Time is the numeric value of TimeLabel; the directory name is authoritative
	Time           float64
	TimeLabel      string
	Field          string
	Value          Value
	Representation Representation
}

// ResidualSample is one residual extracted from a solver log line
type ResidualSample struct {
	// Index is the 1-based occurrence of Variable in log order
	Index    int
	Variable string
	Value    float64
	// Time is the last "Time = x" seen before the line, 0 if none
	Time float64
}

// Sample is one plotted point: X is a simulation time or an iteration index
type Sample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SeriesKey identifies one time series in the cache
type SeriesKey struct {
	Case string
	Name string
}

// RunStatus is the lifecycle state of a simulation run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run records one execution of a solver command against a case
type Run struct {
	ID        string        `json:"id"`
	CaseName  string        `json:"case_name"`
	Command   string        `json:"command"`
	Image     string        `json:"image"`
	Status    RunStatus     `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	ExitCode  int           `json:"exit_code"`
	LogFile   string        `json:"log_file"`
	Error     string        `json:"error,omitempty"`
}

// Finish marks the run terminal and computes its duration
func (r *Run) Finish(now time.Time, exitCode int, err error) {
	r.EndTime = now
	r.Duration = now.Sub(r.StartTime)
	r.ExitCode = exitCode
	switch {
	case err != nil:
		r.Status = RunStatusFailed
		r.Error = err.Error()
	case exitCode != 0:
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusCompleted
	}
}

// Settings are the dashboard preferences stored for one case
type Settings struct {
	Case string `json:"case"`
	// MaxPoints is the default downsampling bound for plot data; 0 uses
	// the server default
	MaxPoints int `json:"max_points,omitempty"`
	// Reference conditions for the pressure coefficient
	PInf float64 `json:"p_inf"`
	Rho  float64 `json:"rho,omitempty"`
	UInf float64 `json:"u_inf,omitempty"`
	// Fields lists the series selected for plotting, empty for all
	Fields    []string  `json:"fields,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
