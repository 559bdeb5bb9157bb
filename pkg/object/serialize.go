package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// TreeObj
// ---------------------------------------------------------------------------

// SortTreeEntries orders entries the way Git does: byte-wise by name, with a
// subtree compared as if its name ended in "/".
func SortTreeEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// MarshalTree serializes a TreeObj in Git's binary tree encoding. Entries are
// sorted first, so the same set of entries always yields the same bytes:
//
//	<mode> <name>\0<raw id>
func MarshalTree(tr *TreeObj) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortTreeEntries(sorted)

	var buf bytes.Buffer
	for i, e := range sorted {
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("marshal tree: invalid entry name %q", e.Name)
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("marshal tree: duplicate entry %q", e.Name)
		}
		raw, err := e.Hash.Raw()
		if err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("marshal tree: entry %q: bad hash %q", e.Name, e.Hash)
		}
		mode := e.Mode
		if mode == "" {
			mode = TreeModeFile
		}
		buf.WriteString(mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

// UnmarshalTree parses a binary tree for the given object format.
func UnmarshalTree(f Format, data []byte) (*TreeObj, error) {
	tr := &TreeObj{}
	size := f.Size()
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("unmarshal tree: malformed mode")
		}
		mode, err := normalizeTreeMode(string(data[:sp]))
		if err != nil {
			return nil, fmt.Errorf("unmarshal tree: %w", err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul <= 0 {
			return nil, fmt.Errorf("unmarshal tree: malformed name")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < size {
			return nil, fmt.Errorf("unmarshal tree: entry %q: truncated id", name)
		}
		tr.Entries = append(tr.Entries, TreeEntry{
			Name: name,
			Mode: mode,
			Hash: HashFromRaw(data[:size]),
		})
		data = data[size:]
	}
	return tr, nil
}

func normalizeTreeMode(mode string) (string, error) {
	switch strings.TrimLeft(mode, "0") {
	case TreeModeDir:
		return TreeModeDir, nil
	case TreeModeFile, "100664":
		return TreeModeFile, nil
	case TreeModeExecutable:
		return TreeModeExecutable, nil
	case TreeModeSymlink:
		return TreeModeSymlink, nil
	case TreeModeGitlink:
		return TreeModeGitlink, nil
	default:
		return "", fmt.Errorf("unknown mode %q", mode)
	}
}

// ---------------------------------------------------------------------------
// Ident
// ---------------------------------------------------------------------------

// String renders "Name <email> <unix> <+hhmm>".
func (id Ident) String() string {
	_, offset := id.When.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s <%s> %d %c%02d%02d",
		id.Name, id.Email, id.When.Unix(), sign, offset/3600, (offset%3600)/60)
}

// ParseIdent parses an ident line value.
func ParseIdent(s string) (Ident, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')
	if lt < 0 || gt < lt {
		return Ident{}, fmt.Errorf("malformed ident %q", s)
	}
	id := Ident{
		Name:  strings.TrimSpace(s[:lt]),
		Email: s[lt+1 : gt],
	}
	fields := strings.Fields(s[gt+1:])
	if len(fields) == 0 {
		return id, nil
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Ident{}, fmt.Errorf("malformed ident timestamp %q: %w", fields[0], err)
	}
	loc := time.UTC
	if len(fields) > 1 {
		loc, err = parseTimezone(fields[1])
		if err != nil {
			return Ident{}, err
		}
	}
	id.When = time.Unix(ts, 0).In(loc)
	return id, nil
}

func parseTimezone(tz string) (*time.Location, error) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return nil, fmt.Errorf("malformed timezone %q", tz)
	}
	hh, err1 := strconv.Atoi(tz[1:3])
	mm, err2 := strconv.Atoi(tz[3:5])
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("malformed timezone %q", tz)
	}
	offset := hh*3600 + mm*60
	if tz[0] == '-' {
		offset = -offset
	}
	return time.FixedZone(tz, offset), nil
}

// ---------------------------------------------------------------------------
// CommitObj
// ---------------------------------------------------------------------------

// MarshalCommit serializes a CommitObj in Git's commit encoding:
//
//	tree H
//	parent H     (zero or more)
//	author A
//	committer C
//	gpgsig S     (optional, continuation lines indented by one space)
//
//	message
func MarshalCommit(c *CommitObj) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", string(c.TreeHash))
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", string(p))
	}
	writeHeader(&buf, "author", c.Author.String())
	writeHeader(&buf, "committer", c.Committer.String())
	for _, h := range c.Extra {
		writeHeader(&buf, h.Key, h.Value)
	}
	if strings.TrimSpace(c.Signature) != "" {
		writeHeader(&buf, "gpgsig", strings.TrimRight(c.Signature, "\n"))
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(strings.ReplaceAll(value, "\n", "\n "))
	buf.WriteByte('\n')
}

// splitHeaders separates the header block from the message and folds
// continuation lines into their header.
func splitHeaders(kind string, data []byte) ([]Header, string, error) {
	var head, message string
	if bytes.HasPrefix(data, []byte("\n")) {
		message = string(data[1:])
	} else if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		head = string(data[:idx])
		message = string(data[idx+2:])
	} else {
		head = strings.TrimSuffix(string(data), "\n")
	}

	var headers []Header
	for _, line := range strings.Split(head, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, " ") {
			if len(headers) == 0 {
				return nil, "", fmt.Errorf("unmarshal %s: continuation without header", kind)
			}
			headers[len(headers)-1].Value += "\n" + line[1:]
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, "", fmt.Errorf("unmarshal %s: malformed header line %q", kind, line)
		}
		headers = append(headers, Header{Key: key, Value: val})
	}
	return headers, message, nil
}

// UnmarshalCommit parses a CommitObj from its serialized form.
func UnmarshalCommit(data []byte) (*CommitObj, error) {
	headers, message, err := splitHeaders("commit", data)
	if err != nil {
		return nil, err
	}

	c := &CommitObj{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "tree":
			c.TreeHash = Hash(h.Value)
		case "parent":
			c.Parents = append(c.Parents, Hash(h.Value))
		case "author":
			if c.Author, err = ParseIdent(h.Value); err != nil {
				return nil, fmt.Errorf("unmarshal commit: author: %w", err)
			}
		case "committer":
			if c.Committer, err = ParseIdent(h.Value); err != nil {
				return nil, fmt.Errorf("unmarshal commit: committer: %w", err)
			}
		case "gpgsig", "gpgsig-sha256":
			c.Signature = h.Value
		default:
			c.Extra = append(c.Extra, h)
		}
	}
	if c.TreeHash == "" {
		return nil, fmt.Errorf("unmarshal commit: missing tree header")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// TagObj
// ---------------------------------------------------------------------------

// MarshalTag serializes an annotated tag.
func MarshalTag(t *TagObj) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger.Name != "" || t.Tagger.Email != "" {
		writeHeader(&buf, "tagger", t.Tagger.String())
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// UnmarshalTag parses an annotated tag.
func UnmarshalTag(data []byte) (*TagObj, error) {
	headers, message, err := splitHeaders("tag", data)
	if err != nil {
		return nil, err
	}
	t := &TagObj{Message: message}
	for _, h := range headers {
		switch h.Key {
		case "object":
			t.Object = Hash(h.Value)
		case "type":
			t.Type = ObjectType(h.Value)
		case "tag":
			t.Name = h.Value
		case "tagger":
			if t.Tagger, err = ParseIdent(h.Value); err != nil {
				return nil, fmt.Errorf("unmarshal tag: tagger: %w", err)
			}
		}
	}
	if t.Object == "" {
		return nil, fmt.Errorf("unmarshal tag: missing object header")
	}
	return t, nil
}
