package sync

import (
	"path"
	"path/filepath"
	"strings"
)

// RelPath returns localPath relative to root in forward-slash form. ok is false when the
// result is empty, blank, absolute or escapes root.
func RelPath(root, localPath string) (string, bool) {
	if strings.TrimSpace(localPath) == "" {
		return "", false
	}

	rel, err := filepath.Rel(root, localPath)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)

	switch {
	case strings.TrimSpace(rel) == "", rel == ".":
		return "", false
	case path.IsAbs(rel), filepath.IsAbs(rel):
		return "", false
	case rel == "..", strings.HasPrefix(rel, "../"):
		return "", false
	}
	return rel, true
}

// isHidden reports whether any segment of a relative path starts with a dot.
func isHidden(rel string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}

// PathMapper maps relative local paths under the remote root.
type PathMapper struct {
	remoteRoot string
}

func NewPathMapper(remoteRoot string) PathMapper {
	return PathMapper{remoteRoot: normalizeRemote(remoteRoot)}
}

// ToRemote joins the remote root and rel using forward slashes.
func (m PathMapper) ToRemote(rel string) string {
	rel = strings.TrimPrefix(normalizeRemote(rel), "/")
	if rel == "" || rel == "." {
		return m.remoteRoot
	}
	if m.remoteRoot == "" || m.remoteRoot == "." {
		return rel
	}
	return path.Join(m.remoteRoot, rel)
}

// Root returns the normalized remote root.
func (m PathMapper) Root() string {
	return m.remoteRoot
}

func normalizeRemote(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}
