package refs

import (
	"fmt"
	"strings"
)

// ValidateName applies the rules of git check-ref-format to a full ref name.
// HEAD is accepted; anything else must live under refs/.
func ValidateName(name string) error {
	if name == HEAD {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return fmt.Errorf("invalid ref name %q: must start with refs/", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("invalid ref name %q: bad suffix", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{") {
		return fmt.Errorf("invalid ref name %q", name)
	}
	for _, c := range name {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return fmt.Errorf("invalid ref name %q: forbidden character %q", name, c)
		}
	}
	for _, comp := range strings.Split(name, "/") {
		if strings.HasPrefix(comp, ".") || strings.HasSuffix(comp, ".lock") {
			return fmt.Errorf("invalid ref name %q: bad component %q", name, comp)
		}
	}
	return nil
}

// BranchRef returns the full ref name of a branch, validating it.
func BranchRef(branch string) (string, error) {
	name := "refs/heads/" + strings.TrimPrefix(branch, "refs/heads/")
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ShortName strips the refs/heads/, refs/tags/ or refs/remotes/ prefix.
func ShortName(name string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/", "refs/remotes/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}
