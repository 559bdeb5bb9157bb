package object

import (
	"bytes"
	"fmt"
	"io"
)

func encodeDeltaVarint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	out := make([]byte, 0, 10)
	for v > 0 {
		b := byte(v & 0x7f)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	var (
		value uint64
		shift uint
	)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("delta varint too large")
		}
	}
}

// encodeOfsDeltaDistance encodes a backward distance for OFS_DELTA entries.
func encodeOfsDeltaDistance(distance uint64) []byte {
	if distance == 0 {
		return []byte{0}
	}
	b := []byte{byte(distance & 0x7f)}
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		b = append([]byte{byte((distance & 0x7f) | 0x80)}, b...)
	}
	return b
}

func decodeOfsDeltaDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("ofs-delta distance truncated")
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("ofs-delta distance truncated")
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}

const deltaBlockSize = 16

// BuildDelta encodes target as a Git delta stream against base. Runs of at
// least deltaBlockSize bytes found in base become copy instructions, every
// other byte is inserted literally.
func BuildDelta(base, target []byte) []byte {
	var out bytes.Buffer
	out.Write(encodeDeltaVarint(uint64(len(base))))
	out.Write(encodeDeltaVarint(uint64(len(target))))

	index := make(map[string]int, len(base)/deltaBlockSize)
	for i := 0; i+deltaBlockSize <= len(base); i += deltaBlockSize {
		key := string(base[i : i+deltaBlockSize])
		if _, ok := index[key]; !ok {
			index[key] = i
		}
	}

	var pending []byte
	flush := func() {
		for len(pending) > 0 {
			n := min(len(pending), 127)
			out.WriteByte(byte(n))
			out.Write(pending[:n])
			pending = pending[n:]
		}
	}

	for pos := 0; pos < len(target); {
		if pos+deltaBlockSize <= len(target) {
			if off, ok := index[string(target[pos:pos+deltaBlockSize])]; ok {
				n := deltaBlockSize
				for off+n < len(base) && pos+n < len(target) && base[off+n] == target[pos+n] {
					n++
				}
				for len(pending) > 0 && off > 0 && base[off-1] == pending[len(pending)-1] {
					off--
					pos--
					n++
					pending = pending[:len(pending)-1]
				}
				flush()
				writeDeltaCopy(&out, off, n)
				pos += n
				continue
			}
		}
		pending = append(pending, target[pos])
		pos++
	}
	flush()
	return out.Bytes()
}

func writeDeltaCopy(out *bytes.Buffer, offset, size int) {
	for size > 0 {
		n := min(size, 0x10000)
		cmd := byte(0x80)
		args := make([]byte, 0, 7)
		for i := 0; i < 4; i++ {
			if b := byte(offset >> (8 * i)); b != 0 {
				cmd |= 1 << i
				args = append(args, b)
			}
		}
		encoded := n
		if n == 0x10000 {
			encoded = 0
		}
		for i := 0; i < 3; i++ {
			if b := byte(encoded >> (8 * i)); b != 0 {
				cmd |= 0x10 << i
				args = append(args, b)
			}
		}
		out.WriteByte(cmd)
		out.Write(args)
		offset += n
		size -= n
	}
}

// applyDelta applies Git delta instructions to base and returns the result.
func applyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, min(resultSize, 1<<26))
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()
		if cmd&0x80 != 0 {
			var offset, size uint64
			for i := 0; i < 4; i++ {
				if cmd&(1<<i) == 0 {
					continue
				}
				b, err := readDeltaCopyArgByte(dr, "offset", i)
				if err != nil {
					return nil, err
				}
				offset |= uint64(b) << (8 * i)
			}
			for i := 0; i < 3; i++ {
				if cmd&(0x10<<i) == 0 {
					continue
				}
				b, err := readDeltaCopyArgByte(dr, "size", i)
				if err != nil {
					return nil, err
				}
				size |= uint64(b) << (8 * i)
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy out of bounds: offset=%d size=%d base=%d", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		} else {
			if cmd == 0 {
				return nil, fmt.Errorf("invalid delta command: 0")
			}
			if int(cmd) > dr.Len() {
				return nil, fmt.Errorf("delta insert truncated: want %d bytes, have %d", cmd, dr.Len())
			}
			start := len(delta) - dr.Len()
			out = append(out, delta[start:start+int(cmd)]...)
			dr.Seek(int64(cmd), io.SeekCurrent)
		}
		if uint64(len(out)) > resultSize {
			return nil, fmt.Errorf("delta result exceeds declared size %d", resultSize)
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}

func readDeltaCopyArgByte(r io.ByteReader, field string, i int) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("delta copy %s byte %d: %w", field, i, err)
	}
	return b, nil
}
