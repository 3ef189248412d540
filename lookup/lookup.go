// Package lookup implements the generic list matching directory backends
// use: exact lists, shell-style globs, regular expressions and key/value
// maps, with comment-line filtering.
package lookup

import (
	"fmt"
	"regexp"
	"strings"
)

// Type selects how the lines of a lookup list are interpreted.
type Type string

const (
	TypeList  Type = "list"  // Exact string membership.
	TypeGlob  Type = "glob"  // Shell-style wildcards * and ?.
	TypeRegex Type = "regex" // Go regular expressions.
	TypeMap   Type = "map"   // Key/value pairs split on a separator.
)

// ParseType parses a lookup type from its config token.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeList, TypeGlob, TypeRegex, TypeMap:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown lookup type %q", s)
}

// Format configures how lines become a Matcher.
type Format struct {
	Type Type

	// Lines starting with this marker are skipped. Empty means no comment
	// syntax.
	Comment string

	// Key/value separator for maps. Empty means the whole line is the key,
	// with an empty value.
	Separator string
}

// Matcher is a compiled lookup list. List, glob and regex matchers answer
// Matches, maps answer Resolve (and Matches as key presence).
type Matcher struct {
	format  Format
	entries map[string]struct{}
	globs   []*regexp.Regexp
	regexps []*regexp.Regexp
	values  map[string]string
}

// New compiles lines into a Matcher. Lines are trimmed of surrounding
// whitespace, empty and comment lines are skipped. Invalid glob or regex
// patterns are construction errors, they never fail at match time.
func New(format Format, lines []string) (*Matcher, error) {
	m := &Matcher{format: format}
	switch format.Type {
	case TypeList:
		m.entries = map[string]struct{}{}
	case TypeGlob, TypeRegex:
	case TypeMap:
		m.values = map[string]string{}
	default:
		return nil, fmt.Errorf("unknown lookup type %q", format.Type)
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || format.Comment != "" && strings.HasPrefix(line, format.Comment) {
			continue
		}
		switch format.Type {
		case TypeList:
			m.entries[line] = struct{}{}
		case TypeGlob:
			re, err := regexp.Compile(globRegexp(line))
			if err != nil {
				return nil, fmt.Errorf("compiling glob %q: %v", line, err)
			}
			m.globs = append(m.globs, re)
		case TypeRegex:
			re, err := regexp.Compile(line)
			if err != nil {
				return nil, fmt.Errorf("compiling regexp %q: %v", line, err)
			}
			m.regexps = append(m.regexps, re)
		case TypeMap:
			key, value := line, ""
			if format.Separator != "" {
				if k, v, ok := strings.Cut(line, format.Separator); ok {
					key = strings.TrimSpace(k)
					value = strings.TrimSpace(v)
				}
			}
			// Duplicate keys overwrite, the last entry wins.
			m.values[key] = value
		}
	}
	return m, nil
}

// globRegexp translates a glob with * and ? wildcards into an anchored
// regular expression, compiled once at construction.
func globRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, c := range pattern {
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

// Matches reports whether s is in the list: exact membership for lists, any
// pattern matching for globs and regexps, key presence for maps.
func (m *Matcher) Matches(s string) bool {
	switch m.format.Type {
	case TypeList:
		_, ok := m.entries[s]
		return ok
	case TypeGlob:
		for _, re := range m.globs {
			if re.MatchString(s) {
				return true
			}
		}
	case TypeRegex:
		for _, re := range m.regexps {
			if re.MatchString(s) {
				return true
			}
		}
	case TypeMap:
		_, ok := m.values[s]
		return ok
	}
	return false
}

// Resolve returns the value for key in a map lookup, and whether the key is
// present. Non-map matchers resolve nothing.
func (m *Matcher) Resolve(key string) (string, bool) {
	if m.format.Type != TypeMap {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}
