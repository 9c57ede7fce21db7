package bridge

import (
	"path"
	"strings"
)

// Root is the cache key of the mount root.
const Root = "/"

// CleanPath normalizes a driver path into a cache key: forward slashes,
// absolute, no trailing separator, no "." or ".." elements. Backslashes are
// accepted as separators.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Clean("/" + p)
}

// Join builds the cache key of a child entry.
func Join(parent, name string) string {
	return CleanPath(parent + "/" + name)
}

// Base returns the last element of a cache key; the root keeps its separator.
func Base(p string) string {
	return path.Base(p)
}

// Parent returns the cache key of the parent directory.
func Parent(p string) string {
	return path.Dir(CleanPath(p))
}

// descendantPrefix returns the prefix shared by every strict descendant of dir.
func descendantPrefix(dir string) string {
	if dir == Root {
		return Root
	}
	return dir + "/"
}
