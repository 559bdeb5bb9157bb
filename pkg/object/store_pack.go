package object

import (
	"bytes"
	"fmt"
	"io"
)

// IngestSummary reports the outcome of Store.IngestPack.
type IngestSummary struct {
	Objects  int
	Written  int
	Checksum Hash
}

// IngestPack decodes a pack fully, resolving thin-pack bases from the store,
// and only then writes its objects. A corrupt pack leaves the store
// untouched.
func (s *Store) IngestPack(data []byte) (*IngestSummary, error) {
	objs, err := DecodePack(s.format, data, s)
	if err != nil {
		return nil, err
	}
	written, err := s.WritePackObjects(objs)
	if err != nil {
		return nil, err
	}
	return &IngestSummary{
		Objects:  len(objs),
		Written:  written,
		Checksum: HashFromRaw(data[len(data)-s.format.Size():]),
	}, nil
}

// WritePackObjects stores decoded pack objects and returns how many were new.
func (s *Store) WritePackObjects(objs []PackObject) (int, error) {
	written := 0
	for _, obj := range objs {
		if s.Has(obj.Hash) {
			continue
		}
		h, err := s.Write(obj.Type, obj.Data)
		if err != nil {
			return written, fmt.Errorf("write pack object %s: %w", obj.Hash, err)
		}
		if h != obj.Hash {
			return written, fmt.Errorf("write pack object: hash mismatch: got %s want %s", h, obj.Hash)
		}
		written++
	}
	return written, nil
}

// WritePackTo encodes the objects reachable from roots but not from
// stopRoots as a pack on w and returns how many objects it carries.
func (s *Store) WritePackTo(w io.Writer, roots, stopRoots []Hash, opts PackOptions) (int, error) {
	objs, err := s.CollectObjects(roots, stopRoots)
	if err != nil {
		return 0, err
	}
	if _, err := EncodePackWith(w, s.format, objs, opts); err != nil {
		return 0, fmt.Errorf("encode pack: %w", err)
	}
	return len(objs), nil
}

// PackBytes is WritePackTo into memory.
func (s *Store) PackBytes(roots, stopRoots []Hash, opts PackOptions) ([]byte, int, error) {
	var buf bytes.Buffer
	n, err := s.WritePackTo(&buf, roots, stopRoots, opts)
	if err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), n, nil
}
