// Package stacked decodes documents made of back-to-back JSON values that are
// not wrapped in an enclosing array ("stacked" or concatenated JSON).
package stacked

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"unicode/utf8"
)

// ErrInvalidUTF8 is the cause of a ParseError for a value containing bytes
// that are not valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8")

// Value is one decoded top-level JSON value.
type Value struct {
	Data   any   // decoded value; numbers are json.Number
	Offset int64 // absolute offset of the first byte of the value
	Next   int64 // absolute offset immediately after the value
}

// ParseError reports a malformed or truncated value. Offset is the absolute
// position where the value starts.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stacked json: malformed value at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decode returns a lazy sequence over the values in buf starting at pos.
// Resuming after a value is done by calling Decode again with its Next.
func Decode(buf []byte, pos int64) iter.Seq2[Value, error] {
	if pos < 0 || pos > int64(len(buf)) {
		return func(yield func(Value, error) bool) {
			yield(Value{}, &ParseError{Offset: pos, Err: errors.New("offset out of range")})
		}
	}
	return Stream(bytes.NewReader(buf[pos:]), pos)
}

// Stream returns a lazy sequence over the values read from r. base is the
// absolute offset of the first byte of r and is added to every reported
// offset. r is read incrementally, so the whole document never has to be
// resident in memory.
//
// The sequence ends cleanly when only whitespace remains. A malformed value,
// or one containing invalid UTF-8, yields a *ParseError once and stops the
// sequence.
func Stream(r io.Reader, base int64) iter.Seq2[Value, error] {
	return func(yield func(Value, error) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()

		for {
			// More skips whitespace, leaving InputOffset at the start of the
			// next value (or at the trailing whitespace when input is done).
			dec.More()
			start := base + dec.InputOffset()

			var raw json.RawMessage
			err := dec.Decode(&raw)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Value{}, &ParseError{Offset: start, Err: err})
				return
			}
			v, err := decodeRaw(raw, start)
			if err != nil {
				yield(Value{}, &ParseError{Offset: start, Err: err})
				return
			}
			if !yield(Value{Data: v, Offset: start, Next: base + dec.InputOffset()}, nil) {
				return
			}
		}
	}
}

// decodeRaw decodes one complete value. encoding/json would replace invalid
// UTF-8 with U+FFFD, so it is rejected first.
func decodeRaw(raw []byte, start int64) (any, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w at offset %d", ErrInvalidUTF8, start+int64(invalidAt(raw)))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func invalidAt(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}
