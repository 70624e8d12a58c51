package store

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidKey = errors.New("invalid session key")
	ErrNotFound   = errors.New("session not found")
)

// NewKey validates and normalises a (file, branch) pair. Paths are NFC
// normalised, use forward slashes and are relative to the docs root.
func NewKey(filePath, branch string) (Key, error) {
	filePath = norm.NFC.String(strings.TrimSpace(filePath))
	filePath = strings.TrimLeft(strings.ReplaceAll(filePath, "\\", "/"), "/")
	if filePath == "" {
		return Key{}, fmt.Errorf("%w: file path must not be empty", ErrInvalidKey)
	}
	for _, segment := range strings.Split(filePath, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return Key{}, fmt.Errorf("%w: bad path segment in %q", ErrInvalidKey, filePath)
		}
	}
	if hasControl(filePath) {
		return Key{}, fmt.Errorf("%w: control characters in path %q", ErrInvalidKey, filePath)
	}

	normalized, err := NormalizeBranch(branch)
	if err != nil {
		return Key{}, err
	}
	return Key{FilePath: filePath, Branch: normalized}, nil
}

// NormalizeBranch applies the subset of git ref-name rules the stores rely on:
// no whitespace, no ':' (used as a key separator), no "..".
func NormalizeBranch(branch string) (string, error) {
	branch = norm.NFC.String(strings.TrimSpace(branch))
	if branch == "" {
		return "", fmt.Errorf("%w: branch must not be empty", ErrInvalidKey)
	}
	if strings.Contains(branch, "..") || strings.ContainsAny(branch, ": ~^?*[\\") || hasControl(branch) {
		return "", fmt.Errorf("%w: bad branch name %q", ErrInvalidKey, branch)
	}
	return branch, nil
}

func hasControl(value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
