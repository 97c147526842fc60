// Package upath provides path utilities for namespace resolution,
// adapted from the teacher's ustr.Ustr (biscuit/src/ustr/ustr.go).
package upath

import "strings"

// IsAbsolute reports whether p begins with '/'.
func IsAbsolute(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// Join joins a namespace-relative base and p, treating p as absolute
// if it already starts with '/'.
func Join(base, p string) string {
	if IsAbsolute(p) {
		return p
	}
	if base == "" || base == "/" {
		return "/" + p
	}
	return base + "/" + p
}

// BoundaryPrefix reports whether prefix is a path-boundary-respecting
// prefix of p: either p equals prefix exactly, or p continues with a
// '/' right after prefix ends (spec.md §4.7 resolve: "longest prefix
// whose end falls on a path boundary").
func BoundaryPrefix(prefix, p string) bool {
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	if len(p) == len(prefix) {
		return true
	}
	if prefix == "/" {
		return true
	}
	return p[len(prefix)] == '/'
}
