package object

import (
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var thor = Ident{
	Name:  "A U Thor",
	Email: "author@example.com",
	When:  time.Unix(1112911993, 0).In(time.FixedZone("", -7*3600)),
}

func TestMarshalTreeMatchesGit(t *testing.T) {
	tr := &TreeObj{Entries: []TreeEntry{{
		Name: "hello.txt",
		Mode: TreeModeFile,
		Hash: "ce013625030ba8dba906f756967f9e9ca394464a",
	}}}
	data, err := MarshalTree(tr)
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	if got := HashObject(SHA1, TypeTree, data); got != "aaa96ced2d9a1c8e72c56b253a0e2fe78393feb7" {
		t.Fatalf("tree hash = %s", got)
	}

	back, err := UnmarshalTree(SHA1, data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	if !reflect.DeepEqual(back, tr) {
		t.Fatalf("tree round-trip mismatch: %+v", back)
	}
}

func TestTreeCanonicalOrder(t *testing.T) {
	blob := Hash("ce013625030ba8dba906f756967f9e9ca394464a")
	entries := []TreeEntry{
		{Name: "a0", Mode: TreeModeFile, Hash: blob},
		{Name: "a", Mode: TreeModeDir, Hash: "4b825dc642cb6eb9a060e54bf8d69288fbee4904"},
		{Name: "a.txt", Mode: TreeModeFile, Hash: blob},
		{Name: "a-b", Mode: TreeModeExecutable, Hash: blob},
	}
	data, err := MarshalTree(&TreeObj{Entries: entries})
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	back, err := UnmarshalTree(SHA1, data)
	if err != nil {
		t.Fatalf("UnmarshalTree: %v", err)
	}
	var names []string
	for _, e := range back.Entries {
		names = append(names, e.Name)
	}
	want := []string{"a-b", "a.txt", "a", "a0"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("entry order = %v, want %v", names, want)
	}
}

func TestTreeOrderIndependentProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z0-9._-]{1,8}`), 1, 12, rapid.ID[string],
		).Draw(t, "names")
		entries := make([]TreeEntry, len(names))
		for i, n := range names {
			mode := TreeModeFile
			if rapid.Bool().Draw(t, "dir") {
				mode = TreeModeDir
			}
			entries[i] = TreeEntry{Name: n, Mode: mode, Hash: HashObject(SHA1, TypeBlob, []byte(n))}
		}
		shuffled := make([]TreeEntry, len(entries))
		for i, j := range rapid.Permutation(seq(len(entries))).Draw(t, "perm") {
			shuffled[i] = entries[j]
		}

		a, err := MarshalTree(&TreeObj{Entries: entries})
		if err != nil {
			t.Fatalf("MarshalTree: %v", err)
		}
		b, err := MarshalTree(&TreeObj{Entries: shuffled})
		if err != nil {
			t.Fatalf("MarshalTree shuffled: %v", err)
		}
		if HashObject(SHA1, TypeTree, a) != HashObject(SHA1, TypeTree, b) {
			t.Fatalf("tree id depends on insertion order")
		}
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestMarshalTreeRejectsBadEntries(t *testing.T) {
	blob := Hash("ce013625030ba8dba906f756967f9e9ca394464a")
	tests := []struct {
		name    string
		entries []TreeEntry
	}{
		{"slash in name", []TreeEntry{{Name: "a/b", Mode: TreeModeFile, Hash: blob}}},
		{"empty name", []TreeEntry{{Name: "", Mode: TreeModeFile, Hash: blob}}},
		{"duplicate", []TreeEntry{{Name: "x", Hash: blob}, {Name: "x", Hash: blob}}},
		{"bad hash", []TreeEntry{{Name: "x", Hash: "zz"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MarshalTree(&TreeObj{Entries: tt.entries}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMarshalCommitMatchesGit(t *testing.T) {
	c := &CommitObj{
		TreeHash:  "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Author:    thor,
		Committer: thor,
		Message:   "init\n",
	}
	data := MarshalCommit(c)
	if got := HashObject(SHA1, TypeCommit, data); got != "b9976b8042661d457fbe1b1819d1b3c4f03216a6" {
		t.Fatalf("commit hash = %s\n%s", got, data)
	}
}

func TestCommitRoundTripWithSignature(t *testing.T) {
	c := &CommitObj{
		TreeHash:  "4b825dc642cb6eb9a060e54bf8d69288fbee4904",
		Parents:   []Hash{"b9976b8042661d457fbe1b1819d1b3c4f03216a6"},
		Author:    thor,
		Committer: thor,
		Extra:     []Header{{Key: "encoding", Value: "UTF-8"}},
		Signature: "-----BEGIN SSH SIGNATURE-----\nU1NIU0lH\n\nAAAA\n-----END SSH SIGNATURE-----",
		Message:   "second\n\nbody\n",
	}
	back, err := UnmarshalCommit(MarshalCommit(c))
	if err != nil {
		t.Fatalf("UnmarshalCommit: %v", err)
	}
	if back.Signature != c.Signature {
		t.Fatalf("signature = %q", back.Signature)
	}
	if back.Message != c.Message || back.TreeHash != c.TreeHash || !reflect.DeepEqual(back.Parents, c.Parents) {
		t.Fatalf("commit round-trip mismatch: %+v", back)
	}
	if !back.Author.When.Equal(thor.When) || back.Author.Email != thor.Email {
		t.Fatalf("author = %+v", back.Author)
	}
	if _, off := back.Author.When.Zone(); off != -7*3600 {
		t.Fatalf("author timezone offset = %d", off)
	}
	if !reflect.DeepEqual(back.Extra, c.Extra) {
		t.Fatalf("extra headers = %+v", back.Extra)
	}

	payload := CommitSigningPayload(c)
	if string(payload) == string(MarshalCommit(c)) {
		t.Fatal("signing payload must exclude gpgsig")
	}
}

func TestTagRoundTrip(t *testing.T) {
	tag := &TagObj{
		Object:  "b9976b8042661d457fbe1b1819d1b3c4f03216a6",
		Type:    TypeCommit,
		Name:    "v1.0.0",
		Tagger:  thor,
		Message: "release\n",
	}
	back, err := UnmarshalTag(MarshalTag(tag))
	if err != nil {
		t.Fatalf("UnmarshalTag: %v", err)
	}
	if back.Object != tag.Object || back.Type != tag.Type || back.Name != tag.Name || back.Message != tag.Message {
		t.Fatalf("tag round-trip mismatch: %+v", back)
	}
}

func TestParseIdentErrors(t *testing.T) {
	for _, in := range []string{"no email", "x <y> notanumber +0000", "x <y> 1 0000"} {
		if _, err := ParseIdent(in); err == nil {
			t.Errorf("ParseIdent(%q) should fail", in)
		}
	}
}
