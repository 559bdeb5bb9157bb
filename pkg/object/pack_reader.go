package object

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/minigit/pkg/errs"
)

// PackEntry represents one object entry in a pack stream. For delta entries
// Data holds the inflated delta instructions and exactly one of BaseOffset or
// BaseHash identifies the base.
type PackEntry struct {
	Offset     uint64
	Type       PackObjectType
	Size       uint64
	Data       []byte
	BaseOffset uint64
	BaseHash   Hash
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum Hash
}

// PackObject is a fully resolved object carried by a pack.
type PackObject struct {
	Hash Hash
	Type ObjectType
	Data []byte
}

// BaseResolver supplies REF_DELTA bases that are not inside the pack (thin
// packs). *Store satisfies it.
type BaseResolver interface {
	Read(h Hash) (ObjectType, []byte, error)
}

// ReadPack parses a full pack byte slice and returns its raw entries. The
// trailer digest is verified before anything else is decoded. Every failure
// wraps errs.ErrCorruptPack.
func ReadPack(f Format, data []byte) (*PackFile, error) {
	sumSize := f.Size()
	if len(data) < packHeaderSize+sumSize {
		return nil, errs.CorruptPack("pack too short: %d bytes", len(data))
	}

	payload := data[:len(data)-sumSize]
	trailer := data[len(data)-sumSize:]

	hasher := f.New()
	hasher.Write(payload)
	if !bytes.Equal(hasher.Sum(nil), trailer) {
		return nil, errs.CorruptPack("pack checksum mismatch")
	}

	header, err := UnmarshalPackHeader(payload[:packHeaderSize])
	if err != nil {
		return nil, errs.CorruptPack("%v", err)
	}

	offset := packHeaderSize
	entries := make([]PackEntry, 0, min(int(header.NumObjects), len(payload)/2))
	for i := uint32(0); i < header.NumObjects; i++ {
		entry := PackEntry{Offset: uint64(offset)}
		objType, size, n, err := decodePackEntryHeader(payload[offset:])
		if err != nil {
			return nil, errs.CorruptPack("entry %d: %v", i, err)
		}
		entry.Type = objType
		entry.Size = size
		offset += n

		switch objType {
		case PackCommit, PackTree, PackBlob, PackTag:
		case PackOfsDelta:
			dist, n, err := decodeOfsDeltaDistance(payload[offset:])
			if err != nil {
				return nil, errs.CorruptPack("entry %d: %v", i, err)
			}
			if dist == 0 || dist > entry.Offset {
				return nil, errs.CorruptPack("entry %d: ofs-delta base distance %d out of range", i, dist)
			}
			entry.BaseOffset = entry.Offset - dist
			offset += n
		case PackRefDelta:
			if offset+f.Size() > len(payload) {
				return nil, errs.CorruptPack("entry %d: ref-delta base truncated", i)
			}
			entry.BaseHash = HashFromRaw(payload[offset : offset+f.Size()])
			offset += f.Size()
		default:
			return nil, errs.CorruptPack("entry %d: invalid object type %d", i, objType)
		}

		if offset >= len(payload) {
			return nil, errs.CorruptPack("entry %d: missing compressed payload", i)
		}
		raw, consumed, err := inflatePackPayload(payload[offset:])
		if err != nil {
			return nil, errs.CorruptPack("entry %d: %v", i, err)
		}
		if uint64(len(raw)) != size {
			return nil, errs.CorruptPack("entry %d: size mismatch header=%d decoded=%d", i, size, len(raw))
		}
		offset += consumed
		entry.Data = raw
		entries = append(entries, entry)
	}

	if offset != len(payload) {
		return nil, errs.CorruptPack("pack has trailing undecoded bytes: %d", len(payload)-offset)
	}

	return &PackFile{
		Header:   *header,
		Entries:  entries,
		Checksum: HashFromRaw(trailer),
	}, nil
}

func inflatePackPayload(data []byte) ([]byte, int, error) {
	sub := bytes.NewReader(data)
	zr, err := zlib.NewReader(sub)
	if err != nil {
		return nil, 0, fmt.Errorf("zlib reader: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, 0, fmt.Errorf("decompress: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, 0, fmt.Errorf("close zlib stream: %w", err)
	}
	return raw, len(data) - sub.Len(), nil
}

// DecodePack verifies and parses a pack, then resolves every delta entry into
// a full object. REF_DELTA bases missing from the pack are looked up in bases
// (which may be nil). Nothing is written anywhere; a pack that fails any check
// yields an error wrapping errs.ErrCorruptPack and no objects.
func DecodePack(f Format, data []byte, bases BaseResolver) ([]PackObject, error) {
	pf, err := ReadPack(f, data)
	if err != nil {
		return nil, err
	}

	byOffset := make(map[uint64]int, len(pf.Entries))
	for i, e := range pf.Entries {
		byOffset[e.Offset] = i
	}

	resolved := make([]*PackObject, len(pf.Entries))
	byHash := make(map[Hash]*PackObject, len(pf.Entries))
	remaining := len(pf.Entries)

	for remaining > 0 {
		progressed := false
		for i, e := range pf.Entries {
			if resolved[i] != nil {
				continue
			}
			var (
				objType  ObjectType
				content  []byte
				baseType ObjectType
				baseData []byte
				ready    bool
			)
			switch e.Type {
			case PackOfsDelta:
				j, ok := byOffset[e.BaseOffset]
				if !ok {
					return nil, errs.CorruptPack("entry at %d: no object at base offset %d", e.Offset, e.BaseOffset)
				}
				if base := resolved[j]; base != nil {
					baseType, baseData, ready = base.Type, base.Data, true
				}
			case PackRefDelta:
				if base, ok := byHash[e.BaseHash]; ok {
					baseType, baseData, ready = base.Type, base.Data, true
				}
			default:
				objType, _ = e.Type.ObjectType()
				content, ready = e.Data, true
			}
			if !ready {
				continue
			}
			if e.Type == PackOfsDelta || e.Type == PackRefDelta {
				content, err = applyDelta(baseData, e.Data)
				if err != nil {
					return nil, errs.CorruptPack("entry at %d: %v", e.Offset, err)
				}
				objType = baseType
			}
			obj := &PackObject{Hash: HashObject(f, objType, content), Type: objType, Data: content}
			resolved[i] = obj
			byHash[obj.Hash] = obj
			remaining--
			progressed = true
		}
		if progressed {
			continue
		}

		// Only REF_DELTA entries with external bases are left.
		for i, e := range pf.Entries {
			if resolved[i] != nil || e.Type != PackRefDelta {
				continue
			}
			if bases == nil {
				return nil, errs.CorruptPack("entry at %d: missing delta base %s", e.Offset, e.BaseHash)
			}
			baseType, baseData, err := bases.Read(e.BaseHash)
			if err != nil {
				return nil, errs.CorruptPack("entry at %d: missing delta base %s: %v", e.Offset, e.BaseHash, err)
			}
			byHash[e.BaseHash] = &PackObject{Hash: e.BaseHash, Type: baseType, Data: baseData}
			progressed = true
			break
		}
		if !progressed {
			return nil, errs.CorruptPack("pack has unresolvable delta chain")
		}
	}

	out := make([]PackObject, len(resolved))
	for i, obj := range resolved {
		out[i] = *obj
	}
	return out, nil
}
