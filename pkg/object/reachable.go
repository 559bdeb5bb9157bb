package object

import (
	"fmt"
	"sort"
	"strings"
)

type walkItem struct {
	hash Hash
	// parent is set for commit parent edges, which may legitimately be
	// missing past a shallow boundary.
	parent bool
}

// ReachableSet returns all object hashes reachable from roots by following
// object references. Missing objects are skipped, so the walk stops cleanly
// at shallow boundaries.
func (s *Store) ReachableSet(roots []Hash) (map[Hash]struct{}, error) {
	out := make(map[Hash]struct{})
	err := s.walk(roots, nil, func(h Hash, _ ObjectType, _ []byte) {
		out[h] = struct{}{}
	}, true)
	return out, err
}

// CollectObjects returns every object reachable from roots that is not
// reachable from stopRoots, ready to be packed. A missing commit parent is
// treated as a shallow boundary; any other missing object is an error.
func (s *Store) CollectObjects(roots, stopRoots []Hash) ([]PackObject, error) {
	roots = uniqueNormalizedHashes(roots)
	stopSet, err := s.ReachableSet(stopRoots)
	if err != nil {
		return nil, err
	}

	var objects []PackObject
	err = s.walk(roots, stopSet, func(h Hash, t ObjectType, data []byte) {
		objects = append(objects, PackObject{Hash: h, Type: t, Data: data})
	}, false)
	if err != nil {
		return nil, err
	}
	// Commits first, then trees, then blobs: the order Git packs use.
	sort.SliceStable(objects, func(i, j int) bool {
		return typeRank(objects[i].Type) < typeRank(objects[j].Type)
	})
	return objects, nil
}

func typeRank(t ObjectType) int {
	switch t {
	case TypeCommit:
		return 0
	case TypeTag:
		return 1
	case TypeTree:
		return 2
	default:
		return 3
	}
}

func (s *Store) walk(roots []Hash, stop map[Hash]struct{}, visit func(Hash, ObjectType, []byte), skipMissing bool) error {
	roots = uniqueNormalizedHashes(roots)
	seen := make(map[Hash]struct{}, len(roots))
	stack := make([]walkItem, 0, len(roots))
	for _, r := range roots {
		stack = append(stack, walkItem{hash: r})
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h := item.hash
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		if _, stopped := stop[h]; stopped {
			continue
		}
		seen[h] = struct{}{}

		if !s.Has(h) {
			if skipMissing || item.parent {
				continue
			}
			return fmt.Errorf("walk objects: %s is missing", h)
		}
		objType, data, err := s.Read(h)
		if err != nil {
			return fmt.Errorf("walk objects: read %s: %w", h, err)
		}
		visit(h, objType, data)

		next, err := s.references(objType, data)
		if err != nil {
			return fmt.Errorf("walk objects: parse %s (%s): %w", h, objType, err)
		}
		stack = append(stack, next...)
	}
	return nil
}

func (s *Store) references(objType ObjectType, data []byte) ([]walkItem, error) {
	switch objType {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		tag, err := UnmarshalTag(data)
		if err != nil {
			return nil, err
		}
		return []walkItem{{hash: tag.Object}}, nil
	case TypeCommit:
		commit, err := UnmarshalCommit(data)
		if err != nil {
			return nil, err
		}
		refs := make([]walkItem, 0, 1+len(commit.Parents))
		refs = append(refs, walkItem{hash: commit.TreeHash})
		for _, p := range commit.Parents {
			refs = append(refs, walkItem{hash: p, parent: true})
		}
		return refs, nil
	case TypeTree:
		tree, err := UnmarshalTree(s.format, data)
		if err != nil {
			return nil, err
		}
		refs := make([]walkItem, 0, len(tree.Entries))
		for _, e := range tree.Entries {
			if e.Mode == TreeModeGitlink {
				continue
			}
			refs = append(refs, walkItem{hash: e.Hash})
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %q", objType)
	}
}

func uniqueNormalizedHashes(in []Hash) []Hash {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[Hash]struct{}, len(in))
	out := make([]Hash, 0, len(in))
	for _, h := range in {
		h = Hash(strings.TrimSpace(string(h)))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
