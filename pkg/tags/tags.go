package tags

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Tag is one key/value pair on an AWS resource.
type Tag struct {
	Key   string
	Value string
}

// ErrEmptyTagPredicate is returned when a caller tries to match against an
// empty set of expected tags. Matching "everything" is never intended.
var ErrEmptyTagPredicate = errors.New("cannot match against an empty set of tags")

// NoMatchingResourceError is returned when no resource carries all the
// expected tags.
type NoMatchingResourceError struct {
	Expected map[string]string
}

func (e *NoMatchingResourceError) Error() string {
	return fmt.Sprintf("no resource matching tags %s", formatTags(e.Expected))
}

// MultipleMatchingResourcesError is returned when more than one resource
// carries all the expected tags. This is an operator-visible configuration
// conflict and is never resolved silently.
type MultipleMatchingResourcesError struct {
	Expected map[string]string
	Count    int
}

func (e *MultipleMatchingResourcesError) Error() string {
	return fmt.Sprintf("%d resources matching tags %s, expected exactly one", e.Count, formatTags(e.Expected))
}

func formatTags(expected map[string]string) string {
	pairs := make([]string, 0, len(expected))
	for k, v := range expected {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ", ") + "}"
}

// ParseTags converts the tag list returned by AWS APIs into a map,
// rejecting duplicate keys.
func ParseTags(awsTags []Tag) (map[string]string, error) {
	result := make(map[string]string, len(awsTags))
	for _, t := range awsTags {
		if _, ok := result[t.Key]; ok {
			return nil, fmt.Errorf("duplicate key in tags: %s", t.Key)
		}
		result[t.Key] = t.Value
	}
	return result, nil
}

// Matches reports whether the resource tags contain every expected pair.
func Matches(resourceTags, expected map[string]string) bool {
	for k, v := range expected {
		if resourceTags[k] != v {
			return false
		}
	}
	return true
}

// FindUniqueResourceMatchingTags returns the single resource whose tags
// are a superset of expected. tagsFor extracts the tag list from a
// resource; resources without tags simply never match.
func FindUniqueResourceMatchingTags[R any](resources []R, tagsFor func(R) []Tag, expected map[string]string) (R, error) {
	var zero R

	if len(expected) == 0 {
		return zero, ErrEmptyTagPredicate
	}

	var matched []R
	for _, r := range resources {
		parsed, err := ParseTags(tagsFor(r))
		if err != nil {
			return zero, err
		}
		if Matches(parsed, expected) {
			matched = append(matched, r)
		}
	}

	switch len(matched) {
	case 0:
		return zero, &NoMatchingResourceError{Expected: expected}
	case 1:
		return matched[0], nil
	default:
		return zero, &MultipleMatchingResourcesError{Expected: expected, Count: len(matched)}
	}
}
