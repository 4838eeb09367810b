package model

import (
	"sort"
	"strings"
)

// TagSet is a sorted, duplicate-free set of tag labels. It only grows.
type TagSet []string

// NewTagSet builds a TagSet from arbitrary labels, dropping blanks.
func NewTagSet(tags ...string) TagSet {
	return TagSet(nil).Union(tags...)
}

// Union returns a new set containing the receiver's tags plus tags.
func (s TagSet) Union(tags ...string) TagSet {
	seen := make(map[string]struct{}, len(s)+len(tags))
	out := make(TagSet, 0, len(s)+len(tags))
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range s {
		add(t)
	}
	for _, t := range tags {
		add(t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Contains reports whether tag is a member of the set.
func (s TagSet) Contains(tag string) bool {
	i := sort.SearchStrings(s, tag)
	return i < len(s) && s[i] == tag
}

// Equal reports whether both sets hold the same tags.
func (s TagSet) Equal(o TagSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// SplitTags splits a delimited tag cell ("lung, breast/colon") into labels.
func SplitTags(cell string) []string {
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ',' || r == '/' || r == ';' || r == '|'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
