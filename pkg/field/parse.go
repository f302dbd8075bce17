package field

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/foamflask/foamflask/pkg/types"
)

// ErrUnparseable is returned (wrapped) for any field file whose internal
// field cannot be decoded. Callers treat it as "field not available".
var ErrUnparseable = errors.New("field file unparseable")

// Reduction selects the representative statistic kept for non-uniform fields
type Reduction string

const (
	// ReduceMean keeps the arithmetic mean of all cells (per component for vectors)
	ReduceMean Reduction = "mean"
	// ReduceFirst keeps the first cell's value
	ReduceFirst Reduction = "first"
)

// ParseReduction validates a reduction name from configuration
func ParseReduction(s string) (Reduction, error) {
	switch Reduction(strings.ToLower(s)) {
	case ReduceMean, "":
		return ReduceMean, nil
	case ReduceFirst:
		return ReduceFirst, nil
	default:
		return "", fmt.Errorf("unknown reduction %q (want mean or first)", s)
	}
}

// Result is a decoded internal field
type Result struct {
	Value          types.Value
	Representation types.Representation
	// Class is the FoamFile header class, empty if the header was absent
	Class string
	// Count is the number of cells in a non-uniform list, 1 for uniform fields
	Count int
}

// macro is a header entry that $name references can resolve to
type macro struct {
	scalar string
	vector []string
}

type parser struct {
	lex       *lexer
	reduction Reduction
	class     string
	macros    map[string]macro
}

// Parse decodes the internalField of an OpenFOAM field file read from r.
// Only entries that appear before internalField are considered when
// resolving $name references.
func Parse(r io.Reader, reduction Reduction) (Result, error) {
	if reduction == "" {
		reduction = ReduceMean
	}
	p := &parser{
		lex:       newLexer(r),
		reduction: reduction,
		macros:    make(map[string]macro),
	}

	res, err := p.parse()
	if err == nil && p.lex.err != nil {
		err = p.lex.err
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return res, nil
}

func (p *parser) parse() (Result, error) {
	for {
		kind, text := p.lex.next()
		switch kind {
		case tokEOF:
			if p.lex.err != nil {
				return Result{}, p.lex.err
			}
			return Result{}, errors.New("missing internalField")
		case tokWord:
			word := string(text)
			switch {
			case word == "internalField":
				return p.parseInternal()
			case word == "FoamFile":
				if err := p.parseHeader(); err != nil {
					return Result{}, err
				}
			case strings.HasPrefix(word, "#"):
				// #include "file", #inputMode merge: one argument, no semicolon
				p.lex.next()
			default:
				if err := p.parseEntry(word); err != nil {
					return Result{}, err
				}
			}
		case tokLBrace:
			if err := p.skipBlock(); err != nil {
				return Result{}, err
			}
		default:
			// stray punctuation at top level is ignored
		}
	}
}

func (p *parser) parseHeader() error {
	kind, _ := p.lex.next()
	if kind != tokLBrace {
		return errors.New("malformed FoamFile header")
	}
	for {
		kind, text := p.lex.next()
		switch kind {
		case tokEOF:
			return errors.New("unterminated FoamFile header")
		case tokRBrace:
			return nil
		case tokWord:
			key := string(text)
			value, err := p.entryValue()
			if err != nil {
				return err
			}
			if key == "class" && len(value.vector) == 0 {
				p.class = value.scalar
			}
		}
	}
}

// parseEntry reads "key value...;" or "key { ... }" at the top level and
// remembers simple values for macro expansion
func (p *parser) parseEntry(key string) error {
	value, err := p.entryValue()
	if err != nil {
		return err
	}
	if value.scalar != "" || len(value.vector) > 0 {
		p.macros[key] = value
	}
	return nil
}

// entryValue consumes tokens up to the terminating semicolon (or the end of
// a sub-dictionary) and returns the value when it is a single word or a
// parenthesised triple
func (p *parser) entryValue() (macro, error) {
	var (
		words   []string
		inParen bool
		simple  = true
		parens  int
	)
	for {
		kind, text := p.lex.next()
		switch kind {
		case tokEOF:
			return macro{}, nil
		case tokSemicolon:
			if parens != 0 {
				simple = false
				continue
			}
			if !simple {
				return macro{}, nil
			}
			if inParen {
				return macro{vector: words}, nil
			}
			if len(words) == 1 {
				return macro{scalar: words[0]}, nil
			}
			return macro{}, nil
		case tokLBrace:
			if err := p.skipBlock(); err != nil {
				return macro{}, err
			}
			return macro{}, nil
		case tokLParen:
			parens++
			if len(words) > 0 || inParen {
				simple = false
			}
			inParen = true
		case tokRParen:
			parens--
		case tokWord, tokString:
			if len(words) < 3 {
				words = append(words, string(text))
			} else {
				simple = false
			}
		default:
			simple = false
		}
	}
}

func (p *parser) skipBlock() error {
	depth := 1
	for depth > 0 {
		kind, _ := p.lex.next()
		switch kind {
		case tokEOF:
			return errors.New("unbalanced braces")
		case tokLBrace:
			depth++
		case tokRBrace:
			depth--
		}
	}
	return nil
}

func (p *parser) parseInternal() (Result, error) {
	kind, text := p.lex.next()
	if kind != tokWord {
		return Result{}, errors.New("internalField has no value")
	}

	var (
		res Result
		err error
	)
	switch string(text) {
	case "uniform":
		res, err = p.parseUniform()
	case "nonuniform":
		res, err = p.parseNonUniform()
	default:
		return Result{}, fmt.Errorf("unknown internalField form %q", text)
	}
	if err != nil {
		return Result{}, err
	}

	res.Class = p.class
	if err := checkClass(p.class, res.Value); err != nil {
		return Result{}, err
	}
	if !res.Value.Finite() {
		return Result{}, errors.New("internalField is not finite")
	}
	return res, nil
}

func (p *parser) parseUniform() (Result, error) {
	value, err := p.readValue()
	if err != nil {
		return Result{}, err
	}
	if err := p.expectSemicolon(); err != nil {
		return Result{}, err
	}
	return Result{
		Value:          value,
		Representation: types.RepresentationUniform,
		Count:          1,
	}, nil
}

// readValue reads a scalar, a (x y z) triple, or a $macro reference
func (p *parser) readValue() (types.Value, error) {
	kind, text := p.lex.next()
	switch kind {
	case tokWord:
		if text[0] == '$' {
			return p.resolve(string(text[1:]))
		}
		v, err := parseNumber(text)
		if err != nil {
			return types.Value{}, err
		}
		return types.ScalarValue(v), nil
	case tokLParen:
		return p.readVectorBody()
	default:
		return types.Value{}, errors.New("expected a value")
	}
}

// readVectorBody reads "x y z)" after an opening parenthesis
func (p *parser) readVectorBody() (types.Value, error) {
	var comps [3]float64
	n := 0
	for {
		kind, text := p.lex.next()
		switch kind {
		case tokRParen:
			if n != 3 {
				return types.Value{}, fmt.Errorf("unsupported component count %d", n)
			}
			return types.VectorValue(comps[0], comps[1], comps[2]), nil
		case tokWord:
			if n >= 3 {
				// tensors and symmTensors are not plotted
				n++
				continue
			}
			v, err := parseNumber(text)
			if err != nil {
				return types.Value{}, err
			}
			comps[n] = v
			n++
		default:
			return types.Value{}, errors.New("malformed vector")
		}
	}
}

// resolve looks up a macro; name is the text after $, braces included
// for the ${name} form
func (p *parser) resolve(name string) (types.Value, error) {
	if strings.HasPrefix(name, "{") {
		if !strings.HasSuffix(name, "}") {
			return types.Value{}, fmt.Errorf("unterminated macro $%s", name)
		}
		name = name[1 : len(name)-1]
	}
	m, ok := p.macros[name]
	if !ok {
		return types.Value{}, fmt.Errorf("unresolved macro $%s", name)
	}
	if len(m.vector) > 0 {
		if len(m.vector) != 3 {
			return types.Value{}, fmt.Errorf("macro $%s is not a vector", name)
		}
		var comps [3]float64
		for i, s := range m.vector {
			v, err := parseNumber([]byte(s))
			if err != nil {
				return types.Value{}, err
			}
			comps[i] = v
		}
		return types.VectorValue(comps[0], comps[1], comps[2]), nil
	}
	v, err := parseNumber([]byte(m.scalar))
	if err != nil {
		return types.Value{}, fmt.Errorf("macro $%s: %w", name, err)
	}
	return types.ScalarValue(v), nil
}

func (p *parser) parseNonUniform() (Result, error) {
	kind, text := p.lex.next()
	if kind != tokWord {
		return Result{}, errors.New("nonuniform without list type")
	}
	elem, err := listElementKind(string(text))
	if err != nil {
		return Result{}, err
	}

	declared := -1
	kind, text = p.lex.next()
	if kind == tokWord {
		n, err := strconv.Atoi(string(text))
		if err != nil || n < 0 {
			return Result{}, fmt.Errorf("invalid list size %q", text)
		}
		declared = n
		kind, _ = p.lex.next()
	}

	var acc accumulator
	switch kind {
	case tokLParen:
		if err := p.readList(elem, &acc); err != nil {
			return Result{}, err
		}
	case tokLBrace:
		// N{value}: every cell holds the same value
		if declared < 0 {
			return Result{}, errors.New("compact list without size")
		}
		v, err := p.readValue()
		if err != nil {
			return Result{}, err
		}
		if k, _ := p.lex.next(); k != tokRBrace {
			return Result{}, errors.New("unterminated compact list")
		}
		if v.Kind != elem {
			return Result{}, errors.New("compact list value does not match element type")
		}
		acc.fill(v, declared)
	default:
		return Result{}, errors.New("expected list body")
	}

	if declared >= 0 && acc.n != declared {
		return Result{}, fmt.Errorf("list has %d elements, declared %d", acc.n, declared)
	}
	if acc.n == 0 {
		return Result{}, errors.New("empty nonuniform list")
	}
	if err := p.expectSemicolon(); err != nil {
		return Result{}, err
	}

	return Result{
		Value:          acc.value(p.reduction),
		Representation: types.RepresentationNonUniform,
		Count:          acc.n,
	}, nil
}

// readList folds list elements into acc up to the closing parenthesis
func (p *parser) readList(elem types.Kind, acc *accumulator) error {
	for {
		kind, text := p.lex.next()
		switch kind {
		case tokRParen:
			return nil
		case tokWord:
			if elem != types.KindScalar {
				return errors.New("scalar in vector list")
			}
			v, err := parseNumber(text)
			if err != nil {
				return err
			}
			acc.add(types.ScalarValue(v))
		case tokLParen:
			if elem != types.KindVector {
				return errors.New("vector in scalar list")
			}
			v, err := p.readVectorBody()
			if err != nil {
				return err
			}
			acc.add(v)
		default:
			return errors.New("malformed list")
		}
	}
}

func (p *parser) expectSemicolon() error {
	kind, _ := p.lex.next()
	if kind != tokSemicolon {
		return errors.New("missing semicolon after internalField")
	}
	return nil
}

// accumulator keeps the first element and running sums of a list
type accumulator struct {
	n     int
	first types.Value
	sum   [3]float64
}

func (a *accumulator) add(v types.Value) {
	if a.n == 0 {
		a.first = v
	}
	if v.Kind == types.KindVector {
		a.sum[0] += v.Vector[0]
		a.sum[1] += v.Vector[1]
		a.sum[2] += v.Vector[2]
	} else {
		a.sum[0] += v.Scalar
	}
	a.n++
}

// fill records n cells that all hold v
func (a *accumulator) fill(v types.Value, n int) {
	if n <= 0 {
		return
	}
	a.add(v)
	scale := float64(n)
	a.sum[0] *= scale
	a.sum[1] *= scale
	a.sum[2] *= scale
	a.n = n
}

func (a *accumulator) value(reduction Reduction) types.Value {
	if reduction == ReduceFirst {
		return a.first
	}
	n := float64(a.n)
	if a.first.Kind == types.KindVector {
		return types.VectorValue(a.sum[0]/n, a.sum[1]/n, a.sum[2]/n)
	}
	return types.ScalarValue(a.sum[0] / n)
}

func listElementKind(listType string) (types.Kind, error) {
	open := strings.IndexByte(listType, '<')
	end := strings.IndexByte(listType, '>')
	if !strings.HasPrefix(listType, "List") || open < 0 || end < open {
		return "", fmt.Errorf("unknown list type %q", listType)
	}
	switch listType[open+1 : end] {
	case "scalar", "double", "float", "label":
		return types.KindScalar, nil
	case "vector":
		return types.KindVector, nil
	default:
		return "", fmt.Errorf("unsupported list element %q", listType[open+1:end])
	}
}

func checkClass(class string, v types.Value) error {
	switch {
	case class == "":
		return nil
	case strings.Contains(class, "Tensor"):
		return fmt.Errorf("unsupported field class %s", class)
	case strings.Contains(class, "Vector") && v.Kind != types.KindVector:
		return fmt.Errorf("class %s holds a scalar value", class)
	case strings.Contains(class, "Scalar") && v.Kind != types.KindScalar:
		return fmt.Errorf("class %s holds a vector value", class)
	}
	return nil
}

// parseNumber parses a float, accepting a trailing alphabetic unit suffix
// such as 300K
func parseNumber(b []byte) (float64, error) {
	s := string(b)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("non-finite number %q", s)
		}
		return v, nil
	}

	n := numericPrefix(b)
	if n == 0 {
		return 0, fmt.Errorf("not a number %q", s)
	}
	for _, c := range b[n:] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return 0, fmt.Errorf("not a number %q", s)
		}
	}
	v, err := strconv.ParseFloat(s[:n], 64)
	if err != nil {
		return 0, fmt.Errorf("not a number %q", s)
	}
	return v, nil
}

// numericPrefix returns the length of the longest prefix of b matching
// [+-]?digits[.digits][(e|E)[+-]?digits]
func numericPrefix(b []byte) int {
	i := 0
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		i++
	}
	digits := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
		digits++
	}
	if i < len(b) && b[i] == '.' {
		i++
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0
	}
	if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
		j := i + 1
		if j < len(b) && (b[j] == '+' || b[j] == '-') {
			j++
		}
		k := j
		for k < len(b) && b[k] >= '0' && b[k] <= '9' {
			k++
		}
		if k > j {
			i = k
		}
	}
	return i
}
