package service

import (
	"fmt"
	"strings"
)

// ParseName splits a service name of the form "path.verb#noun". The path and
// the noun are optional: "verb#noun", "path.verb" and "verb" are all valid.
func ParseName(name string) (path, verb, noun string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", "", ErrEmptyName
	}
	head := name
	if i := strings.IndexByte(name, '#'); i >= 0 {
		head, noun = name[:i], name[i+1:]
		if noun == "" || strings.ContainsRune(noun, '#') {
			return "", "", "", fmt.Errorf("%q: %w", name, ErrInvalidName)
		}
	}
	if i := strings.LastIndexByte(head, '.'); i >= 0 {
		path, verb = head[:i], head[i+1:]
	} else {
		verb = head
	}
	if verb == "" {
		return "", "", "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return path, verb, noun, nil
}

// MakeName is the inverse of ParseName.
func MakeName(path, verb, noun string) string {
	var sb strings.Builder
	if path != "" {
		sb.WriteString(path)
		sb.WriteByte('.')
	}
	sb.WriteString(verb)
	if noun != "" {
		sb.WriteByte('#')
		sb.WriteString(noun)
	}
	return sb.String()
}
