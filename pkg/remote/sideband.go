package remote

import (
	"fmt"
	"io"

	"github.com/odvcencio/minigit/pkg/pktline"
)

// Side-band channel identifiers.
const (
	SidebandData     byte = 0x01
	SidebandProgress byte = 0x02
	SidebandError    byte = 0x03
)

// sidebandMaxData is the largest data chunk in one side-band-64k packet.
const sidebandMaxData = pktline.MaxPayloadLen - 1

// SidebandWriter multiplexes channels onto pkt-lines: each packet is the
// channel byte followed by payload.
type SidebandWriter struct {
	w *pktline.Writer
}

func NewSidebandWriter(w *pktline.Writer) *SidebandWriter {
	return &SidebandWriter{w: w}
}

func (sw *SidebandWriter) writeFrame(channel byte, data []byte) error {
	frame := make([]byte, 0, 1+len(data))
	frame = append(frame, channel)
	frame = append(frame, data...)
	_, err := sw.w.Write(frame)
	return err
}

// WriteData splits data into side-band-64k sized packets on channel 1.
func (sw *SidebandWriter) WriteData(data []byte) error {
	for len(data) > 0 {
		n := min(len(data), sidebandMaxData)
		if err := sw.writeFrame(SidebandData, data[:n]); err != nil {
			return fmt.Errorf("write sideband data: %w", err)
		}
		data = data[n:]
	}
	return nil
}

func (sw *SidebandWriter) WriteProgress(msg string) error {
	return sw.writeFrame(SidebandProgress, []byte(msg))
}

func (sw *SidebandWriter) WriteError(msg string) error {
	return sw.writeFrame(SidebandError, []byte(msg))
}

// SidebandReader presents channel 1 of a side-band stream as an io.Reader.
// Progress frames go to onProgress; an error frame fails the read with a
// *RemoteError. The stream ends at a flush packet.
type SidebandReader struct {
	pr         *pktline.Reader
	onProgress func(string)
	buf        []byte
	done       bool
}

func NewSidebandReader(pr *pktline.Reader, onProgress func(string)) *SidebandReader {
	return &SidebandReader{pr: pr, onProgress: onProgress}
}

func (sr *SidebandReader) Read(p []byte) (int, error) {
	for len(sr.buf) == 0 {
		if sr.done {
			return 0, io.EOF
		}
		pkt, err := sr.pr.ReadPacket()
		if err == io.EOF {
			sr.done = true
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		if pkt.Kind != pktline.Data {
			sr.done = true
			return 0, io.EOF
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		channel, payload := pkt.Payload[0], pkt.Payload[1:]
		switch channel {
		case SidebandData:
			sr.buf = payload
		case SidebandProgress:
			if sr.onProgress != nil {
				sr.onProgress(string(payload))
			}
		case SidebandError:
			return 0, &RemoteError{Message: string(payload)}
		default:
			return 0, fmt.Errorf("%w: unknown side-band channel %d", pktline.ErrMalformed, channel)
		}
	}

	n := copy(p, sr.buf)
	sr.buf = sr.buf[n:]
	return n, nil
}
