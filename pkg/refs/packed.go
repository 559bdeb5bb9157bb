package refs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/odvcencio/minigit/pkg/object"
)

// packed-refs is only produced by other Git implementations; this store
// reads it and drops entries from it on delete, but writes loose refs.

func (s *Store) packedPath() string {
	return filepath.Join(s.gitDir, "packed-refs")
}

func (s *Store) readPacked() (map[string]object.Hash, error) {
	data, err := s.fs.ReadFile(s.packedPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}

	out := make(map[string]object.Hash)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' || line[0] == '^' {
			continue
		}
		h, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("read packed-refs: malformed line %q", line)
		}
		out[name] = object.Hash(h)
	}
	return out, sc.Err()
}

func (s *Store) removePacked(name string) error {
	data, err := s.fs.ReadFile(s.packedPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var (
		out     bytes.Buffer
		removed bool
		skipTag bool
	)
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "^") {
			if !skipTag {
				out.WriteString(line)
			}
			continue
		}
		skipTag = false
		if _, n, ok := strings.Cut(strings.TrimSuffix(line, "\n"), " "); ok && n == name {
			removed = true
			skipTag = true
			continue
		}
		out.WriteString(line)
	}
	if !removed {
		return nil
	}
	return s.fs.WriteFile(s.packedPath(), out.Bytes(), 0o644)
}
