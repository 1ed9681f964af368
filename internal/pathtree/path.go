// Package pathtree implements the materialized-path helpers used for the
// location hierarchy. A path is the dot-separated chain of location codes
// from the root down to the node itself, e.g. "HQ.B1.F2.R201".
package pathtree

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins codes in a path.
const Separator = "."

// MaxCodeLen bounds a single location code.
const MaxCodeLen = 32

var (
	ErrEmptyCode   = errors.New("location code is empty")
	ErrCodeTooLong = fmt.Errorf("location code longer than %d characters", MaxCodeLen)
	ErrCodeChars   = errors.New("location code may only contain letters, digits, '-' and '_'")
)

// ValidCode checks that code can be used as one path segment.
func ValidCode(code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	if len(code) > MaxCodeLen {
		return ErrCodeTooLong
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrCodeChars
		}
	}
	return nil
}

// Join returns the path of a child with the given code. An empty parent path
// yields a root path.
func Join(parentPath, code string) string {
	if parentPath == "" {
		return code
	}
	return parentPath + Separator + code
}

// Depth returns the depth of path, 0 for roots.
func Depth(path string) int {
	if path == "" {
		return -1
	}
	return strings.Count(path, Separator)
}

// Parent returns the parent path, or false for a root.
func Parent(path string) (string, bool) {
	i := strings.LastIndex(path, Separator)
	if i < 0 {
		return "", false
	}
	return path[:i], true
}

// Code returns the last segment of path.
func Code(path string) string {
	return path[strings.LastIndex(path, Separator)+1:]
}

// Ancestors returns every proper ancestor of path, root first.
func Ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == Separator[0] {
			out = append(out, path[:i])
		}
	}
	return out
}

// IsDescendant reports whether path lies strictly below ancestor.
func IsDescendant(path, ancestor string) bool {
	if ancestor == "" || len(path) <= len(ancestor) {
		return false
	}
	return strings.HasPrefix(path, ancestor) && path[len(ancestor)] == Separator[0]
}

// IsWithin reports whether path equals root or lies below it.
func IsWithin(path, root string) bool {
	return path == root || IsDescendant(path, root)
}

// WithinAny reports whether path is within any of roots.
func WithinAny(path string, roots []string) bool {
	for _, r := range roots {
		if IsWithin(path, r) {
			return true
		}
	}
	return false
}

// Rebase moves path from under oldRoot to under newRoot. It returns false when
// path is not within oldRoot.
func Rebase(path, oldRoot, newRoot string) (string, bool) {
	if !IsWithin(path, oldRoot) {
		return "", false
	}
	return newRoot + path[len(oldRoot):], true
}

// LikePattern returns a SQL LIKE pattern (with '\' as escape) matching every
// strict descendant of path.
func LikePattern(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(path) + Separator + "%"
}
