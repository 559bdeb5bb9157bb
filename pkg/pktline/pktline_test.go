package pktline

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/odvcencio/minigit/pkg/errs"
)

func TestWriterFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteString("# service=git-upload-pack\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.WriteString(""); err != nil {
		t.Fatalf("WriteString empty: %v", err)
	}
	if err := w.Delim(); err != nil {
		t.Fatalf("Delim: %v", err)
	}
	want := "001e# service=git-upload-pack\n0000" + "0004" + "0001"
	if buf.String() != want {
		t.Fatalf("framing = %q, want %q", buf.String(), want)
	}
}

func TestWriterTooLong(t *testing.T) {
	w := NewWriter(io.Discard)
	if _, err := w.Write(make([]byte, MaxPayloadLen+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("Write oversized: got %v, want ErrTooLong", err)
	}
	if _, err := w.Write(make([]byte, MaxPayloadLen)); err != nil {
		t.Fatalf("Write max payload: %v", err)
	}
}

func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteString("want abc\n")
	w.WriteString("deepen 1\n")
	w.Flush()
	w.WriteString("done\n")

	r := NewReader(&buf)
	lines, err := r.ReadLines()
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if strings.Join(lines, "|") != "want abc|deepen 1" {
		t.Fatalf("lines = %q", lines)
	}
	p, err := r.ReadPacket()
	if err != nil || p.Kind != Data || p.Line() != "done" {
		t.Fatalf("ReadPacket = %+v, %v", p, err)
	}
	if _, err := r.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadPacket at end: got %v, want io.EOF", err)
	}
}

func TestReaderSpecialPackets(t *testing.T) {
	r := NewReader(strings.NewReader("000000010002"))
	for _, want := range []Kind{Flush, Delim, ResponseEnd} {
		p, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if p.Kind != want {
			t.Fatalf("kind = %s, want %s", p.Kind, want)
		}
	}
}

func TestReaderMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad hex", "zz12abc"},
		{"length three", "0003"},
		{"truncated payload", "000ahi"},
		{"truncated length", "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).ReadPacket()
			if !errors.Is(err, ErrMalformed) || !errors.Is(err, errs.ErrCorruptPack) {
				t.Fatalf("ReadPacket(%q): got %v", tt.input, err)
			}
		})
	}
}

func TestReadLinesUnexpectedEOF(t *testing.T) {
	_, err := NewReader(strings.NewReader("0009hello")).ReadLines()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadLines without flush: got %v", err)
	}
}
