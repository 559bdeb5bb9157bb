// Package pktline reads and writes Git's pkt-line framing: a 4-digit hex
// length that counts itself, followed by the payload. "0000" is a flush,
// "0001" a delimiter and "0002" a response end.
package pktline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/odvcencio/minigit/pkg/errs"
)

// MaxPayloadLen is the largest payload a single pkt-line may carry.
const MaxPayloadLen = 65516

var (
	// ErrTooLong is returned when a payload exceeds MaxPayloadLen.
	ErrTooLong = errors.New("pkt-line too long")
	// ErrMalformed marks a stream that is not valid pkt-line framing.
	ErrMalformed = fmt.Errorf("malformed pkt-line: %w", errs.ErrCorruptPack)
)

// Kind classifies a packet.
type Kind int

const (
	Data Kind = iota
	Flush
	Delim
	ResponseEnd
)

func (k Kind) String() string {
	switch k {
	case Flush:
		return "flush"
	case Delim:
		return "delim"
	case ResponseEnd:
		return "response-end"
	default:
		return "data"
	}
}

// Packet is one decoded pkt-line.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// Line returns the payload as a string without its trailing newline.
func (p Packet) Line() string {
	return string(bytes.TrimSuffix(p.Payload, []byte("\n")))
}

// Reader decodes packets from a byte stream.
type Reader struct {
	r   *bufio.Reader
	hdr [4]byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Buffered exposes the underlying reader so a caller can switch from
// pkt-line framing to raw bytes (a pack following the negotiation).
func (r *Reader) Buffered() io.Reader {
	return r.r
}

// Peek returns the next four bytes without consuming them.
func (r *Reader) Peek() ([]byte, error) {
	return r.r.Peek(4)
}

// ReadPacket reads the next packet. It returns io.EOF only when the stream
// ends cleanly on a packet boundary.
func (r *Reader) ReadPacket() (Packet, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("%w: truncated length: %v", ErrMalformed, err)
	}
	n, err := strconv.ParseUint(string(r.hdr[:]), 16, 16)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: bad length %q", ErrMalformed, r.hdr[:])
	}
	switch n {
	case 0:
		return Packet{Kind: Flush}, nil
	case 1:
		return Packet{Kind: Delim}, nil
	case 2:
		return Packet{Kind: ResponseEnd}, nil
	case 3:
		return Packet{}, fmt.Errorf("%w: invalid length 3", ErrMalformed)
	}
	if n-4 > MaxPayloadLen {
		return Packet{}, fmt.Errorf("%w: length %d exceeds maximum", ErrMalformed, n)
	}
	payload := make([]byte, n-4)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Packet{}, fmt.Errorf("%w: truncated payload: %v", ErrMalformed, err)
	}
	return Packet{Kind: Data, Payload: payload}, nil
}

// ReadLines reads data packets up to the next flush and returns them as
// lines with trailing newlines removed.
func (r *Reader) ReadLines() ([]string, error) {
	var lines []string
	for {
		p, err := r.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, io.ErrUnexpectedEOF
			}
			return lines, err
		}
		if p.Kind != Data {
			return lines, nil
		}
		lines = append(lines, p.Line())
	}
}

// Writer encodes packets.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write emits p as a single data packet.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) > MaxPayloadLen {
		return 0, ErrTooLong
	}
	var hdr [4]byte
	const hex = "0123456789abcdef"
	n := len(p) + 4
	for i := 3; i >= 0; i-- {
		hdr[i] = hex[n&0xf]
		n >>= 4
	}
	if _, err := w.w.Write(hdr[:]); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// WriteString emits s as a single data packet.
func (w *Writer) WriteString(s string) error {
	_, err := w.Write([]byte(s))
	return err
}

// Writef formats a line and emits it as a data packet.
func (w *Writer) Writef(format string, args ...any) error {
	return w.WriteString(fmt.Sprintf(format, args...))
}

// Flush emits a flush packet.
func (w *Writer) Flush() error {
	_, err := io.WriteString(w.w, "0000")
	return err
}

// Delim emits a delimiter packet.
func (w *Writer) Delim() error {
	_, err := io.WriteString(w.w, "0001")
	return err
}
