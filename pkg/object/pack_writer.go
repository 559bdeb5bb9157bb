package object

import (
	"bytes"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"
)

type packCountedWriter struct {
	w io.Writer
	n uint64
}

func (cw *packCountedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func compressPackPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackWriter writes Git pack v2 streams with zlib-compressed entries. The
// trailer is the repository format's digest over every preceding byte.
type PackWriter struct {
	out      io.Writer
	format   Format
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *packCountedWriter
	expected uint32
	written  uint32
	finished bool
}

// NewPackWriter initializes a new writer and writes the fixed pack header.
func NewPackWriter(out io.Writer, f Format, numObjects uint32) (*PackWriter, error) {
	hasher := f.New()
	counter := &packCountedWriter{w: out}
	pw := &PackWriter{
		out:      out,
		format:   f,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: numObjects,
	}

	header := PackHeader{Version: packVersion, NumObjects: numObjects}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the byte offset of the next entry.
func (p *PackWriter) CurrentOffset() uint64 {
	return p.counter.n
}

func (p *PackWriter) checkWritable() error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	return nil
}

func (p *PackWriter) writeEntry(objType PackObjectType, prefix, payload []byte) error {
	compressed, err := compressPackPayload(payload)
	if err != nil {
		return fmt.Errorf("compress pack entry: %w", err)
	}
	header := encodePackEntryHeader(objType, uint64(len(payload)))
	for _, part := range [][]byte{header, prefix, compressed} {
		if _, err := p.hashedW.Write(part); err != nil {
			return fmt.Errorf("write %s entry: %w", objType, err)
		}
	}
	p.written++
	return nil
}

// WriteEntry appends one full object entry to the pack stream.
func (p *PackWriter) WriteEntry(objType PackObjectType, data []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	return p.writeEntry(objType, nil, data)
}

// WriteOfsDelta writes target as an OFS_DELTA against the entry that starts
// at baseOffset, whose content is baseData.
func (p *PackWriter) WriteOfsDelta(baseOffset uint64, baseData, targetData []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	current := p.CurrentOffset()
	if baseOffset >= current {
		return fmt.Errorf("base offset %d must be before current offset %d", baseOffset, current)
	}
	return p.writeEntry(PackOfsDelta, encodeOfsDeltaDistance(current-baseOffset), BuildDelta(baseData, targetData))
}

// WriteRefDelta writes target as a REF_DELTA against the object base.
func (p *PackWriter) WriteRefDelta(base Hash, baseData, targetData []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	raw, err := base.Raw()
	if err != nil || len(raw) != p.format.Size() {
		return fmt.Errorf("ref-delta base %q is not a %s id", base, p.format)
	}
	return p.writeEntry(PackRefDelta, raw, BuildDelta(baseData, targetData))
}

// Finish validates object count, writes the trailing pack checksum, and returns
// that checksum as a hex digest.
func (p *PackWriter) Finish() (Hash, error) {
	if p.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return "", fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}
	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return "", fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	return HashFromRaw(sum), nil
}

// PackOptions controls how EncodePackWith represents objects.
type PackOptions struct {
	// OfsDelta allows OFS_DELTA entries. A peer that did not negotiate
	// ofs-delta must receive whole objects.
	OfsDelta bool
}

// EncodePack writes objs as a pack with OFS_DELTA entries allowed.
func EncodePack(w io.Writer, f Format, objs []PackObject) (Hash, error) {
	return EncodePackWith(w, f, objs, PackOptions{OfsDelta: true})
}

// EncodePackWith writes objs as a pack. With opts.OfsDelta, a blob or tree
// is stored as an OFS_DELTA against the previous object of the same type
// when the delta is less than half the object's size.
func EncodePackWith(w io.Writer, f Format, objs []PackObject, opts PackOptions) (Hash, error) {
	pw, err := NewPackWriter(w, f, uint32(len(objs)))
	if err != nil {
		return "", err
	}

	type lastEntry struct {
		offset uint64
		data   []byte
	}
	last := make(map[ObjectType]lastEntry, 2)

	for _, obj := range objs {
		packType, err := PackTypeOf(obj.Type)
		if err != nil {
			return "", err
		}
		offset := pw.CurrentOffset()
		wrote := false
		if prev, ok := last[obj.Type]; ok && opts.OfsDelta && len(obj.Data) >= 64 {
			if delta := BuildDelta(prev.data, obj.Data); len(delta) < len(obj.Data)/2 {
				if err := pw.WriteOfsDelta(prev.offset, prev.data, obj.Data); err != nil {
					return "", err
				}
				wrote = true
			}
		}
		if !wrote {
			if err := pw.WriteEntry(packType, obj.Data); err != nil {
				return "", err
			}
		}
		if obj.Type == TypeBlob || obj.Type == TypeTree {
			last[obj.Type] = lastEntry{offset: offset, data: obj.Data}
		}
	}
	return pw.Finish()
}
