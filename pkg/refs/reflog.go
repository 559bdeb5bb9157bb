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

// ReflogEntry is one line of logs/<ref>:
//
//	<old> <new> <name> <<email>> <unix> <tz>\t<reason>
type ReflogEntry struct {
	Ref     string
	OldHash object.Hash
	NewHash object.Hash
	Who     object.Ident
	Reason  string
}

func (s *Store) reflogPath(ref string) string {
	return filepath.Join(s.gitDir, "logs", filepath.FromSlash(ref))
}

func (s *Store) appendReflog(ref string, oldHash, newHash object.Hash, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "update"
	}
	if oldHash == "" {
		oldHash = s.format.ZeroHash()
	}
	line := fmt.Sprintf("%s %s %s\t%s\n", oldHash, newHash, s.ident().String(), strings.ReplaceAll(reason, "\n", " "))

	// The VFS has no append primitive; the log is rewritten atomically.
	p := s.reflogPath(ref)
	existing, err := s.fs.ReadFile(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reflog read: %w", err)
	}
	if err := s.fs.WriteFile(p, append(existing, line...), 0o644); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// Reflog returns the history of ref, newest first. limit <= 0 returns all
// entries.
func (s *Store) Reflog(ref string, limit int) ([]ReflogEntry, error) {
	data, err := s.fs.ReadFile(s.reflogPath(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	var entries []ReflogEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		head, reason, _ := strings.Cut(sc.Text(), "\t")
		parts := strings.SplitN(head, " ", 3)
		if len(parts) < 3 {
			continue
		}
		who, err := object.ParseIdent(parts[2])
		if err != nil {
			continue
		}
		entries = append(entries, ReflogEntry{
			Ref:     ref,
			OldHash: object.Hash(parts[0]),
			NewHash: object.Hash(parts[1]),
			Who:     who,
			Reason:  reason,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
