package residual

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foamflask/foamflask/pkg/types"
)

const solverLog = `
Time = 0.1
smoothSolver:  Solving for Ux, Initial residual = 0.1
smoothSolver:  Solving for Uy, Initial residual = 0.2
smoothSolver:  Solving for Uz, Initial residual = 0.3
smoothSolver:  Solving for p, Initial residual = 0.05
`

func valuesOf(samples []types.ResidualSample, variable string) []float64 {
	var out []float64
	for _, s := range samples {
		if s.Variable == variable {
			out = append(out, s.Value)
		}
	}
	return out
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestScanSolverLog(t *testing.T) {
	s := NewScanner(nil)
	upd, err := s.Scan([]byte(solverLog))
	require.NoError(t, err)

	assert.Equal(t, []float64{0.1}, upd.Times)
	assert.Equal(t, []float64{0.1}, valuesOf(upd.Samples, "Ux"))
	assert.Equal(t, []float64{0.2}, valuesOf(upd.Samples, "Uy"))
	assert.Equal(t, []float64{0.3}, valuesOf(upd.Samples, "Uz"))
	assert.Equal(t, []float64{0.05}, valuesOf(upd.Samples, "p"))
	for _, sample := range upd.Samples {
		assert.Equal(t, 1, sample.Index)
		assert.Equal(t, 0.1, sample.Time)
	}
	assert.Equal(t, int64(len(solverLog)), upd.Offset)
	assert.False(t, upd.Reset)
}

func TestScanTrailingAnnotations(t *testing.T) {
	log := "DILUPBiCG:  Solving for epsilon, Initial residual = 1.5e-03, Final residual = 2e-06, No Iterations 3\n" +
		"GAMG:  Solving for p_rgh, Initial residual=0.25, Final residual = 0.001, No Iterations 12\n"

	s := NewScanner(nil)
	upd, err := s.Scan([]byte(log))
	require.NoError(t, err)
	require.Len(t, upd.Samples, 2)
	assert.Equal(t, "epsilon", upd.Samples[0].Variable)
	assert.InDelta(t, 0.0015, upd.Samples[0].Value, 1e-12)
	assert.Equal(t, "p_rgh", upd.Samples[1].Variable)
	assert.Equal(t, 0.25, upd.Samples[1].Value)
}

func TestScanIncrementalAppend(t *testing.T) {
	content := solverLog
	s := NewScanner(nil)
	first, err := s.Scan([]byte(content))
	require.NoError(t, err)
	watermark := first.Offset

	content += "\nSolving for p, Initial residual = 0.01, Final residual = 1e-5\n"
	second, err := s.Scan([]byte(content))
	require.NoError(t, err)

	require.Len(t, second.Samples, 1)
	assert.Equal(t, "p", second.Samples[0].Variable)
	assert.Equal(t, 0.01, second.Samples[0].Value)
	assert.Equal(t, 2, second.Samples[0].Index)
	assert.False(t, second.Reset)
	assert.Greater(t, second.Offset, watermark)

	// nothing new, nothing reported
	third, err := s.Scan([]byte(content))
	require.NoError(t, err)
	assert.Empty(t, third.Samples)
	assert.Equal(t, second.Offset, third.Offset)
}

func TestScanFileIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.foamRun")
	appendFile(t, path, "Time = 1\nSolving for Ux, Initial residual = 0.1\n")

	s := NewScanner(nil)
	upd, err := s.ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, upd.Times)
	assert.Equal(t, []float64{0.1}, valuesOf(upd.Samples, "Ux"))

	appendFile(t, path, "Time = 2\nSolving for Ux, Initial residual = 0.05\n")
	upd, err = s.ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, upd.Times)
	assert.Equal(t, []float64{0.05}, valuesOf(upd.Samples, "Ux"))
	assert.Equal(t, 2, upd.Samples[0].Index)
	assert.Equal(t, 2.0, upd.Samples[0].Time)
}

func TestScanFileIncompleteLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.foamRun")
	appendFile(t, path, "Time = 1\nSolving for Ux, Initial resi")

	s := NewScanner(nil)
	upd, err := s.ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, upd.Times)
	assert.Empty(t, upd.Samples)
	assert.Equal(t, int64(len("Time = 1\n")), upd.Offset)

	appendFile(t, path, "dual = 0.1\n")
	upd, err = s.ScanFile(path)
	require.NoError(t, err)
	assert.Empty(t, upd.Times)
	assert.Equal(t, []float64{0.1}, valuesOf(upd.Samples, "Ux"))
}

func TestScanResetOnShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.foamRun")
	long := strings.Repeat("Solving for p, Initial residual = 0.5\n", 20)
	require.NoError(t, os.WriteFile(path, []byte(long), 0644))

	s := NewScanner(nil)
	upd, err := s.ScanFile(path)
	require.NoError(t, err)
	require.Len(t, upd.Samples, 20)

	require.NoError(t, os.WriteFile(path, []byte("Solving for p, Initial residual = 0.9\n"), 0644))
	upd, err = s.ScanFile(path)
	require.NoError(t, err)
	assert.True(t, upd.Reset)
	require.Len(t, upd.Samples, 1)
	assert.Equal(t, 1, upd.Samples[0].Index)
	assert.Equal(t, 0.9, upd.Samples[0].Value)
}

func TestScanResetOnReplacedHead(t *testing.T) {
	s := NewScanner(nil)
	_, err := s.Scan([]byte("Date : Oct 01\nSolving for k, Initial residual = 0.5\n"))
	require.NoError(t, err)

	// a rerun: longer log, different banner
	upd, err := s.Scan([]byte("Date : Oct 02\nSolving for k, Initial residual = 0.4\nSolving for k, Initial residual = 0.3\n"))
	require.NoError(t, err)
	assert.True(t, upd.Reset)
	assert.Equal(t, []float64{0.4, 0.3}, valuesOf(upd.Samples, "k"))
	assert.Equal(t, map[string]int{"k": 2}, s.Counts())
}

func TestScanSkipsNonFiniteAndNegative(t *testing.T) {
	log := "Solving for T, Initial residual = nan, Final residual = nan\n" +
		"Solving for T, Initial residual = inf\n" +
		"Solving for T, Initial residual = -0.2\n" +
		"Solving for T, Initial residual = 0.2\n"

	s := NewScanner(nil)
	upd, err := s.Scan([]byte(log))
	require.NoError(t, err)
	assert.Equal(t, 3, upd.Skipped)
	require.Len(t, upd.Samples, 1)
	assert.Equal(t, 0.2, upd.Samples[0].Value)
	assert.Equal(t, 1, upd.Samples[0].Index)
}

func TestScanIgnoresNonResidualLines(t *testing.T) {
	log := "ExecutionTime = 0.5 s  ClockTime = 1 s\n" +
		"Courant Number mean: 0.1 max: 0.4\n" +
		"# Comment with € symbol\n" +
		"Solving for, Initial residual = 1\n"

	s := NewScanner(nil)
	upd, err := s.Scan([]byte(log))
	require.NoError(t, err)
	assert.Empty(t, upd.Samples)
	assert.Empty(t, upd.Times)
	assert.Equal(t, 0, s.registry.Len())
}

func TestScanLongLine(t *testing.T) {
	long := "Solving for nuTilda, Initial residual = 0.125, " + strings.Repeat("x", 3*readBufferSize) + "\n"
	s := NewScanner(nil)
	upd, err := s.Scan([]byte(long))
	require.NoError(t, err)
	require.Len(t, upd.Samples, 1)
	assert.Equal(t, 0.125, upd.Samples[0].Value)
	assert.Equal(t, int64(len(long)), upd.Offset)
}

func TestScanFileMissing(t *testing.T) {
	s := NewScanner(nil)
	_, err := s.ScanFile(filepath.Join(t.TempDir(), "log.foamRun"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRegistryMemoizes(t *testing.T) {
	reg := NewRegistry()
	s1 := NewScanner(reg)
	s2 := NewScanner(reg)

	_, err := s1.Scan([]byte("Solving for Ux, Initial residual = 0.1\nSolving for p, Initial residual = 0.2\n"))
	require.NoError(t, err)
	_, err = s2.Scan([]byte("Solving for Ux, Initial residual = 0.3\nSolving for s1, Initial residual = 0.4\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"Ux", "p", "s1"}, reg.Names())
	assert.Equal(t, 3, reg.Len())
	assert.Same(t, reg.Matcher("Ux"), reg.Matcher("Ux"))
}

func TestRegistryQuotesNames(t *testing.T) {
	reg := NewRegistry()
	m := reg.Matcher("alpha.water")
	assert.True(t, m.MatchString("Solving for alpha.water, Initial residual = 0.1"))
	assert.False(t, m.MatchString("Solving for alphaXwater, Initial residual = 0.1"))
}

func TestLeadingFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.005", 0.005, true},
		{"0.005s\n", 0.005, true},
		{" 1e-3\n", 0.001, true},
		{"12", 12, true},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := leadingFloat([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}
