package residual

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/foamflask/foamflask/pkg/types"
)

const (
	// fingerprintLen covers the solver banner, which carries the start
	// date and PID, so a rerun with identical settings is still detected
	fingerprintLen = 4096

	readBufferSize = 64 * 1024
)

var (
	solvingMarker = []byte("Solving for ")
	timeMarker    = []byte("Time = ")
)

// Update is the result of one incremental scan
type Update struct {
	// Samples holds the residuals found beyond the previous watermark, in
	// log order
	Samples []types.ResidualSample
	// Times holds every "Time = x" value found beyond the watermark
	Times []float64
	// Reset is true when the log shrank or was replaced; every sample
	// reported before this update is void
	Reset bool
	// Skipped counts residual lines rejected for a NaN, infinite or
	// negative value
	Skipped int
	// Offset is the watermark after the scan
	Offset int64
}

// Scanner incrementally extracts residuals from one growing log. It only
// consumes complete lines, so a line the solver is still writing is picked
// up by the next scan. A Scanner is not safe for concurrent use; the
// aggregator serializes access per case.
type Scanner struct {
	registry *Registry

	offset int64
	head   []byte
	counts map[string]int
	time   float64
}

// NewScanner creates a scanner that registers variables in registry
func NewScanner(registry *Registry) *Scanner {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Scanner{
		registry: registry,
		counts:   make(map[string]int),
	}
}

// Offset returns the byte watermark
func (s *Scanner) Offset() int64 {
	return s.offset
}

// Counts returns how many samples have been reported per variable
func (s *Scanner) Counts() map[string]int {
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Reset forgets the watermark and all per-variable indices
func (s *Scanner) Reset() {
	s.offset = 0
	s.head = s.head[:0]
	s.counts = make(map[string]int)
	s.time = 0
}

// Scan processes the complete current content of the log
func (s *Scanner) Scan(content []byte) (Update, error) {
	return s.scan(bytes.NewReader(content), int64(len(content)))
}

// ScanFile processes whatever was appended to the log at path since the
// previous call. Only the new bytes and the fingerprint prefix are read.
func (s *Scanner) ScanFile(path string) (Update, error) {
	f, err := os.Open(path)
	if err != nil {
		return Update{Offset: s.offset}, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Update{Offset: s.offset}, fmt.Errorf("failed to stat log: %w", err)
	}
	return s.scan(f, info.Size())
}

func (s *Scanner) scan(r io.ReaderAt, size int64) (Update, error) {
	var upd Update

	replaced, err := s.replaced(r, size)
	if err != nil {
		return Update{Offset: s.offset}, err
	}
	if replaced {
		s.Reset()
		upd.Reset = true
	}

	if size > s.offset {
		consumed, err := s.consume(io.NewSectionReader(r, s.offset, size-s.offset), &upd)
		s.offset += consumed
		if err != nil {
			upd.Offset = s.offset
			return upd, fmt.Errorf("failed to read log: %w", err)
		}
	}

	if err := s.fingerprint(r, size); err != nil {
		upd.Offset = s.offset
		return upd, err
	}
	upd.Offset = s.offset
	return upd, nil
}

// replaced reports whether the log is no longer the one the watermark
// refers to: it shrank below the watermark or its head changed
func (s *Scanner) replaced(r io.ReaderAt, size int64) (bool, error) {
	if s.offset == 0 && len(s.head) == 0 {
		return false, nil
	}
	if size < s.offset || size < int64(len(s.head)) {
		return true, nil
	}
	if len(s.head) == 0 {
		return false, nil
	}

	current := make([]byte, len(s.head))
	if _, err := r.ReadAt(current, 0); err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read log head: %w", err)
	}
	return !bytes.Equal(current, s.head), nil
}

// fingerprint records the log head once more of it exists
func (s *Scanner) fingerprint(r io.ReaderAt, size int64) error {
	want := size
	if want > fingerprintLen {
		want = fingerprintLen
	}
	if int64(len(s.head)) >= want {
		return nil
	}

	head := make([]byte, want)
	n, err := r.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read log head: %w", err)
	}
	s.head = head[:n]
	return nil
}

// consume reads complete lines from r and returns the number of bytes
// they occupy. A trailing line without a newline is left unconsumed.
func (s *Scanner) consume(r io.Reader, upd *Update) (int64, error) {
	br := bufio.NewReaderSize(r, readBufferSize)

	var (
		consumed int64
		long     []byte
	)
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			line := chunk
			if long != nil {
				long = append(long, chunk...)
				line = long
			}
			consumed += int64(len(line))
			s.line(line, upd)
			long = nil
		case errors.Is(err, bufio.ErrBufferFull):
			long = append(long, chunk...)
		case errors.Is(err, io.EOF):
			return consumed, nil
		default:
			return consumed, err
		}
	}
}

func (s *Scanner) line(line []byte, upd *Update) {
	if i := bytes.Index(line, solvingMarker); i >= 0 {
		s.residual(line[i:], upd)
		return
	}

	trimmed := bytes.TrimLeft(line, " \t")
	if bytes.HasPrefix(trimmed, timeMarker) {
		if t, ok := leadingFloat(trimmed[len(timeMarker):]); ok {
			s.time = t
			upd.Times = append(upd.Times, t)
		}
	}
}

// residual handles a line slice starting at the "Solving for " marker
func (s *Scanner) residual(line []byte, upd *Update) {
	rest := line[len(solvingMarker):]
	comma := bytes.IndexByte(rest, ',')
	if comma <= 0 {
		return
	}
	name := rest[:comma]
	if bytes.ContainsAny(name, " \t") {
		return
	}

	m := s.registry.lookup(name).FindSubmatch(line)
	if m == nil {
		upd.Skipped++
		return
	}
	v, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		upd.Skipped++
		return
	}

	variable := string(name)
	s.counts[variable]++
	upd.Samples = append(upd.Samples, types.ResidualSample{
		Index:    s.counts[variable],
		Variable: variable,
		Value:    v,
		Time:     s.time,
	})
}

// leadingFloat parses the number at the start of b, ignoring any unit or
// trailing text
func leadingFloat(b []byte) (float64, bool) {
	b = bytes.TrimLeft(b, " \t")
	end := 0
	for end < len(b) {
		c := b[end]
		if c >= '0' && c <= '9' || c == '.' || c == '-' || c == '+' || c == 'e' || c == 'E' {
			end++
			continue
		}
		break
	}
	for end > 0 {
		v, err := strconv.ParseFloat(string(b[:end]), 64)
		if err == nil {
			return v, !math.IsInf(v, 0)
		}
		end--
	}
	return 0, false
}
