// Package tags owns the canonical tag universe of a document state: singular
// tags, combined AND-tags, and category membership.
package tags

import (
	"sort"
	"strings"
)

// Separator joins the components of an AND-tag in canonical storage form.
const Separator = "&"

// DisplaySeparator is used when rendering an AND-tag for people.
const DisplaySeparator = " & "

// ReservedAll is the tag that makes content immune to filtering.
const ReservedAll = "All"

// UncategorizedName is the default landing category. It cannot be renamed or
// deleted.
const UncategorizedName = "Uncategorized"

// Pseudo-category identifiers used by the UI for the virtual "all tags" and
// "and tags" buckets. They are display-only and never valid move targets.
const (
	PseudoAllTags = "all_tags"
	PseudoAndTags = "and_tags"
)

// IsReservedTag reports whether name is the reserved "all" tag, in any case.
func IsReservedTag(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), ReservedAll)
}

// IsPseudoCategory reports whether id names one of the virtual buckets.
func IsPseudoCategory(id string) bool {
	return id == PseudoAllTags || id == PseudoAndTags
}

// IsAnd reports whether name is in AND-tag form.
func IsAnd(name string) bool {
	return strings.Contains(name, Separator)
}

// Components splits an AND-tag into its trimmed components. A singular tag
// yields a single-element slice.
func Components(name string) []string {
	if !IsAnd(name) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	parts := strings.Split(name, Separator)
	components := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			components = append(components, trimmed)
		}
	}
	return components
}

// Combine builds the canonical storage form of an AND-tag: components
// deduplicated case-insensitively (first spelling wins), sorted
// case-insensitively, joined by the separator with no spaces.
func Combine(components []string) string {
	unique := dedupeFold(components)
	sortFold(unique)
	return strings.Join(unique, Separator)
}

// Canonical normalizes a raw tag string: AND-tags are recombined into
// canonical form, singular tags are trimmed.
func Canonical(name string) string {
	if IsAnd(name) {
		return Combine(Components(name))
	}
	return strings.TrimSpace(name)
}

// Display renders a tag for people: AND-tag components joined by " & ".
func Display(name string) string {
	if !IsAnd(name) {
		return name
	}
	return strings.Join(Components(name), DisplaySeparator)
}

func dedupeFold(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func sortFold(values []string) {
	sort.Slice(values, func(i, j int) bool {
		return strings.ToLower(values[i]) < strings.ToLower(values[j])
	})
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}

func removeFold(values []string, target string) []string {
	out := values[:0]
	for _, value := range values {
		if !strings.EqualFold(value, target) {
			out = append(out, value)
		}
	}
	return out
}

func replaceFold(values []string, old, replacement string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if strings.EqualFold(value, old) {
			value = replacement
		}
		out = append(out, value)
	}
	return dedupeFold(out)
}
