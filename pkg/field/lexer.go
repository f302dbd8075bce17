package field

import (
	"bufio"
	"errors"
	"io"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokLBracket
	tokRBracket
	tokSemicolon
)

var errUnterminatedComment = errors.New("unterminated block comment")

// lexer splits OpenFOAM dictionary text into tokens. It reads through a
// bufio.Reader so arbitrarily large list bodies are never held in memory;
// the text of the current token lives in buf and is only valid until the
// next call to next.
type lexer struct {
	r   *bufio.Reader
	buf []byte

	// one token of lookahead
	pending     bool
	pendingKind tokenKind
	pendingText []byte

	err error
}

func newLexer(r io.Reader) *lexer {
	return &lexer{
		r:   bufio.NewReaderSize(r, 64*1024),
		buf: make([]byte, 0, 64),
	}
}

// peek returns the next token without consuming it
func (l *lexer) peek() (tokenKind, []byte) {
	if !l.pending {
		kind, text := l.scan()
		l.pendingKind = kind
		l.pendingText = append(l.pendingText[:0], text...)
		l.pending = true
	}
	return l.pendingKind, l.pendingText
}

func (l *lexer) next() (tokenKind, []byte) {
	if l.pending {
		l.pending = false
		return l.pendingKind, l.pendingText
	}
	return l.scan()
}

func (l *lexer) scan() (tokenKind, []byte) {
	for {
		c, err := l.r.ReadByte()
		if err != nil {
			if err != io.EOF {
				l.err = err
			}
			return tokEOF, nil
		}

		switch c {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			continue
		case '/':
			n, err := l.r.Peek(1)
			if err == nil && n[0] == '/' {
				l.skipLine()
				continue
			}
			if err == nil && n[0] == '*' {
				_, _ = l.r.ReadByte()
				if !l.skipBlock() {
					l.err = errUnterminatedComment
					return tokEOF, nil
				}
				continue
			}
			return l.word(c)
		case '(':
			return tokLParen, nil
		case ')':
			return tokRParen, nil
		case '{':
			return tokLBrace, nil
		case '}':
			return tokRBrace, nil
		case '[':
			return tokLBracket, nil
		case ']':
			return tokRBracket, nil
		case ';':
			return tokSemicolon, nil
		case '"':
			return l.quoted()
		default:
			return l.word(c)
		}
	}
}

func (l *lexer) word(first byte) (tokenKind, []byte) {
	l.buf = append(l.buf[:0], first)
	if first == '$' {
		if b, err := l.r.Peek(1); err == nil && b[0] == '{' {
			return l.bracedMacro()
		}
	}
	// List<scalar> keeps its angle brackets as part of the word
	for {
		b, err := l.r.Peek(1)
		if err != nil {
			if err != io.EOF {
				l.err = err
			}
			return tokWord, l.buf
		}
		c := b[0]
		if isDelimiter(c) {
			return tokWord, l.buf
		}
		if c == '/' {
			// a trailing comment glued to a value: 101325//Pa
			if n, _ := l.r.Peek(2); len(n) == 2 && (n[1] == '/' || n[1] == '*') {
				return tokWord, l.buf
			}
		}
		_, _ = l.r.ReadByte()
		l.buf = append(l.buf, c)
	}
}

// bracedMacro reads ${name} as one word; buf already holds the $
func (l *lexer) bracedMacro() (tokenKind, []byte) {
	for {
		c, err := l.r.ReadByte()
		if err != nil {
			if err != io.EOF {
				l.err = err
			}
			return tokWord, l.buf
		}
		l.buf = append(l.buf, c)
		if c == '}' {
			return tokWord, l.buf
		}
	}
}

func (l *lexer) quoted() (tokenKind, []byte) {
	l.buf = l.buf[:0]
	for {
		c, err := l.r.ReadByte()
		if err != nil {
			if err != io.EOF {
				l.err = err
			}
			return tokString, l.buf
		}
		if c == '"' {
			return tokString, l.buf
		}
		l.buf = append(l.buf, c)
	}
}

func (l *lexer) skipLine() {
	for {
		c, err := l.r.ReadByte()
		if err != nil || c == '\n' {
			return
		}
	}
}

func (l *lexer) skipBlock() bool {
	var prev byte
	for {
		c, err := l.r.ReadByte()
		if err != nil {
			return false
		}
		if prev == '*' && c == '/' {
			return true
		}
		prev = c
	}
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v', '(', ')', '{', '}', '[', ']', ';', '"':
		return true
	}
	return false
}
