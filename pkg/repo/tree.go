package repo

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/odvcencio/minigit/pkg/object"
)

// TreeFileEntry is one file of a flattened tree.
type TreeFileEntry struct {
	Path     string
	Mode     string
	BlobHash object.Hash
}

// FlattenTree walks a tree recursively and returns its files with full
// slash-separated paths, in tree order.
func (r *Repo) FlattenTree(h object.Hash) ([]TreeFileEntry, error) {
	return r.flattenTreeRec(h, "")
}

func (r *Repo) flattenTreeRec(h object.Hash, prefix string) ([]TreeFileEntry, error) {
	treeObj, err := r.Store.ReadTree(h)
	if err != nil {
		return nil, fmt.Errorf("flatten tree: read %s: %w", h, err)
	}

	var result []TreeFileEntry
	for _, entry := range treeObj.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = path.Join(prefix, entry.Name)
		}
		switch {
		case entry.IsDir():
			sub, err := r.flattenTreeRec(entry.Hash, fullPath)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
		case entry.Mode == object.TreeModeGitlink:
			// Submodule commits have no content here.
		default:
			result = append(result, TreeFileEntry{Path: fullPath, Mode: entry.Mode, BlobHash: entry.Hash})
		}
	}
	return result, nil
}

type treeNode struct {
	files map[string]TreeFileEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]TreeFileEntry{}, dirs: map[string]*treeNode{}}
}

// insert places f at its path, replacing whatever occupied that name or any
// of its parent names.
func (n *treeNode) insert(f TreeFileEntry) {
	parts := strings.Split(f.Path, "/")
	cur := n
	for _, dir := range parts[:len(parts)-1] {
		delete(cur.files, dir)
		next, ok := cur.dirs[dir]
		if !ok {
			next = newTreeNode()
			cur.dirs[dir] = next
		}
		cur = next
	}
	name := parts[len(parts)-1]
	delete(cur.dirs, name)
	cur.files[name] = f
}

// BuildTree writes the tree of base overlaid with the staged entries and
// returns its hash. base may be empty for a root commit.
func (r *Repo) BuildTree(base object.Hash, stg *Staging) (object.Hash, error) {
	root := newTreeNode()
	if base != "" {
		files, err := r.FlattenTree(base)
		if err != nil {
			return "", fmt.Errorf("build tree: %w", err)
		}
		for _, f := range files {
			root.insert(f)
		}
	}

	paths := make([]string, 0, len(stg.Entries))
	for p := range stg.Entries {
		paths = append(paths, p)
	}
	// Deterministic when a staged file and a staged directory share a name.
	sort.Strings(paths)
	for _, p := range paths {
		e := stg.Entries[p]
		root.insert(TreeFileEntry{Path: p, Mode: normalizeFileMode(e.Mode), BlobHash: e.BlobHash})
	}
	return r.writeTreeNode(root, "")
}

func (r *Repo) writeTreeNode(n *treeNode, prefix string) (object.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.files)+len(n.dirs))
	for name, f := range n.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: f.Mode, Hash: f.BlobHash})
	}
	for name, child := range n.dirs {
		childPrefix := name
		if prefix != "" {
			childPrefix = prefix + "/" + name
		}
		h, err := r.writeTreeNode(child, childPrefix)
		if err != nil {
			return "", err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: object.TreeModeDir, Hash: h})
	}
	object.SortTreeEntries(entries)

	h, err := r.Store.WriteTree(&object.TreeObj{Entries: entries})
	if err != nil {
		return "", fmt.Errorf("write tree (prefix=%q): %w", prefix, err)
	}
	return h, nil
}
