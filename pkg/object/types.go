package object

import (
	"strings"
	"time"
)

// Hash is a lowercase hex-encoded object digest: 40 characters for SHA-1
// repositories, 64 for SHA-256 ones.
type Hash string

// Short returns the 7-character abbreviation used in human output.
func (h Hash) Short() string {
	if len(h) <= 7 {
		return string(h)
	}
	return string(h[:7])
}

// IsZero reports whether h is empty or the all-zero id.
func (h Hash) IsZero() bool {
	return strings.Trim(string(h), "0") == ""
}

// ObjectType identifies the kind of object stored.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

const (
	// Tree mode constants in Git's canonical tree encoding.
	TreeModeDir        = "40000"
	TreeModeFile       = "100644"
	TreeModeExecutable = "100755"
	TreeModeSymlink    = "120000"
	TreeModeGitlink    = "160000"
)

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Name string
	Mode string
	Hash Hash
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool {
	return e.Mode == TreeModeDir
}

// TreeObj holds tree entries in canonical Git order.
type TreeObj struct {
	Entries []TreeEntry
}

// Ident is an author, committer or tagger line.
type Ident struct {
	Name  string
	Email string
	When  time.Time
}

// CommitObj represents a commit pointing to a tree with metadata.
type CommitObj struct {
	TreeHash  Hash
	Parents   []Hash
	Author    Ident
	Committer Ident
	// Extra holds headers other than tree/parent/author/committer/gpgsig in
	// their original order (encoding, mergetag, ...).
	Extra     []Header
	Signature string
	Message   string
}

// Header is a raw commit or tag header. Multi-line values keep their
// embedded newlines.
type Header struct {
	Key   string
	Value string
}

// TagObj is an annotated tag.
type TagObj struct {
	Object  Hash
	Type    ObjectType
	Name    string
	Tagger  Ident
	Message string
}
