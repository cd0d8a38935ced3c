package stacked

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, buf string, pos int64) ([]Value, error) {
	t.Helper()
	var vals []Value
	for v, err := range Decode([]byte(buf), pos) {
		if err != nil {
			return vals, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func TestDecodeCounts(t *testing.T) {
	tests := []struct {
		name string
		buf  string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", " \n\t\r\n  ", 0},
		{"single", `{"id":"a"}`, 1},
		{"no delimiter", `{"id":"a"}{"id":"b"}{"id":"c"}`, 3},
		{"newline separated", "{\"id\":\"a\"}\n{\"id\":\"b\"}\n", 2},
		{"mixed whitespace", "  {\"id\":1}\t\r\n\n {\"id\":2}   {\"id\":3}\n\n", 3},
		{"scalars", `1 "two" [3] null true`, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals, err := collect(t, tt.buf, 0)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(vals) != tt.want {
				t.Errorf("Decode yielded %d values, want %d", len(vals), tt.want)
			}
		})
	}
}

func TestDecodeOrderAndOffsets(t *testing.T) {
	buf := `{"id":"a"} {"id":"b"}` + "\n" + `{"id":"c"}`
	vals, err := collect(t, buf, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("Decode yielded %d values, want 3", len(vals))
	}

	wantIDs := []string{"a", "b", "c"}
	wantOffsets := []int64{0, 11, 22}
	for i, v := range vals {
		obj, ok := v.Data.(map[string]any)
		if !ok {
			t.Fatalf("value %d is %T, want map[string]any", i, v.Data)
		}
		if obj["id"] != wantIDs[i] {
			t.Errorf("value %d id = %v, want %s", i, obj["id"], wantIDs[i])
		}
		if v.Offset != wantOffsets[i] {
			t.Errorf("value %d Offset = %d, want %d", i, v.Offset, wantOffsets[i])
		}
		if v.Next != v.Offset+10 {
			t.Errorf("value %d Next = %d, want %d", i, v.Next, v.Offset+10)
		}
	}
}

func TestDecodeResumeFromOffset(t *testing.T) {
	buf := `{"n":1} {"n":2} {"n":3}`
	first, err := collect(t, buf, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Restart from the boundary after the first value.
	rest, err := collect(t, buf, first[0].Next)
	if err != nil {
		t.Fatalf("Decode from %d: %v", first[0].Next, err)
	}
	if len(rest) != 2 {
		t.Fatalf("resumed Decode yielded %d values, want 2", len(rest))
	}
	for i, v := range rest {
		if v.Offset != first[i+1].Offset || v.Next != first[i+1].Next {
			t.Errorf("resumed value %d at [%d,%d), want [%d,%d)",
				i, v.Offset, v.Next, first[i+1].Offset, first[i+1].Next)
		}
	}
}

func TestDecodeNumbersPreserved(t *testing.T) {
	vals, err := collect(t, `{"count":12345678901234,"rating":4.5}`, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	obj := vals[0].Data.(map[string]any)
	if n, ok := obj["count"].(json.Number); !ok || n.String() != "12345678901234" {
		t.Errorf("count = %#v, want json.Number 12345678901234", obj["count"])
	}
	if n, ok := obj["rating"].(json.Number); !ok || n.String() != "4.5" {
		t.Errorf("rating = %#v, want json.Number 4.5", obj["rating"])
	}
}

func TestDecodeMalformed(t *testing.T) {
	buf := `{"id":"a"}  {"id": nope} {"id":"c"}`
	vals, err := collect(t, buf, 0)
	if len(vals) != 1 {
		t.Errorf("yielded %d values before the error, want 1", len(vals))
	}

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if pe.Offset != 12 {
		t.Errorf("ParseError.Offset = %d, want 12", pe.Offset)
	}

	// Failing position is deterministic across runs.
	_, err2 := collect(t, buf, 0)
	var pe2 *ParseError
	if !errors.As(err2, &pe2) || pe2.Offset != pe.Offset {
		t.Errorf("second run error = %v, want ParseError at %d", err2, pe.Offset)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := collect(t, `{"id":"a"} {"id":"b"`, 0)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if pe.Offset != 11 {
		t.Errorf("ParseError.Offset = %d, want 11", pe.Offset)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("error should wrap io.ErrUnexpectedEOF, got %v", pe.Err)
	}
}

func TestDecodeInvalidUTF8(t *testing.T) {
	vals, err := collect(t, "{\"id\":\"a\"} {\"text\":\"bad \xff byte\"}", 0)
	if len(vals) != 1 {
		t.Errorf("decoded %d values before the bad one, want 1", len(vals))
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if pe.Offset != 11 {
		t.Errorf("ParseError.Offset = %d, want 11", pe.Offset)
	}
	if !errors.Is(err, ErrInvalidUTF8) {
		t.Errorf("error = %v, want ErrInvalidUTF8", err)
	}
	if !strings.Contains(err.Error(), "at offset 24") {
		t.Errorf("error %q does not locate the bad byte", err)
	}
}

func TestDecodeValidMultibyte(t *testing.T) {
	vals, err := collect(t, `{"text":"café ☕"}`, 0)
	if err != nil || len(vals) != 1 {
		t.Fatalf("Decode = %d values, %v", len(vals), err)
	}
	if got := vals[0].Data.(map[string]any)["text"]; got != "café ☕" {
		t.Errorf("text = %q", got)
	}
}

func TestDecodeStrayCloser(t *testing.T) {
	_, err := collect(t, `{"id":"a"} }`, 0)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if pe.Offset != 11 {
		t.Errorf("ParseError.Offset = %d, want 11", pe.Offset)
	}
}

func TestDecodeOffsetOutOfRange(t *testing.T) {
	_, err := collect(t, `{}`, 5)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
}

func TestStreamEarlyStop(t *testing.T) {
	n := 0
	for _, err := range Stream(strings.NewReader(`1 2 3 4 5`), 0) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("consumed %d values, want 2", n)
	}
}

func TestStreamBaseOffset(t *testing.T) {
	for v, err := range Stream(strings.NewReader(`  {"a":1}`), 100) {
		if err != nil {
			t.Fatal(err)
		}
		if v.Offset != 102 || v.Next != 109 {
			t.Errorf("value at [%d,%d), want [102,109)", v.Offset, v.Next)
		}
	}
}
