package repo

import (
	"bufio"
	"bytes"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/odvcencio/minigit/pkg/vfs"
)

// IgnoreChecker decides whether a working tree path is skipped by recursive
// adds. .git is always ignored; the root .gitignore adds patterns.
type IgnoreChecker struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool // pattern contains a slash, so match against the full path
	regex    *regexp.Regexp
}

// NewIgnoreChecker reads <root>/.gitignore from fsys if it exists.
func NewIgnoreChecker(fsys vfs.FS, root string) *IgnoreChecker {
	ic := &IgnoreChecker{
		patterns: []ignorePattern{{pattern: GitDirName}},
	}
	data, err := fsys.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return ic
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if p, ok := parseIgnoreLine(scanner.Text()); ok {
			ic.patterns = append(ic.patterns, p)
		}
	}
	return ic
}

func parseIgnoreLine(line string) (ignorePattern, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ignorePattern{}, false
	}

	var p ignorePattern
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		line = strings.TrimLeft(line, "/")
		p.anchored = true
	}
	if strings.Contains(line, "/") {
		p.anchored = true
	}
	if line == "" {
		return ignorePattern{}, false
	}
	p.pattern = line
	if strings.Contains(line, "**") {
		if re, err := regexp.Compile(globToRegex(line)); err == nil {
			p.regex = re
		}
	}
	return p, true
}

// IsIgnored reports whether the slash-separated path rel is ignored. The
// last matching pattern wins. A path below an ignored directory is ignored.
func (ic *IgnoreChecker) IsIgnored(rel string, isDir bool) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if ic.match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return ic.match(rel, isDir)
}

func (ic *IgnoreChecker) match(rel string, isDir bool) bool {
	ignored := false
	for _, p := range ic.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		target := rel
		if !p.anchored {
			target = path.Base(rel)
		}
		if p.matches(target) {
			ignored = !p.negated
		}
	}
	return ignored
}

func (p ignorePattern) matches(target string) bool {
	if p.regex != nil {
		return p.regex.MatchString(target)
	}
	ok, _ := path.Match(p.pattern, target)
	return ok
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			if i+2 < len(pattern) && pattern[i+2] == '/' {
				// "**/" matches zero or more directories.
				b.WriteString("(?:.*/)?")
				i += 2
			} else {
				b.WriteString(".*")
				i++
			}
		case ch == '*':
			b.WriteString("[^/]*")
		case ch == '?':
			b.WriteString("[^/]")
		default:
			if strings.ContainsRune(`.+()|[]{}^$\`, rune(ch)) {
				b.WriteByte('\\')
			}
			b.WriteByte(ch)
		}
	}
	b.WriteString("$")
	return b.String()
}
