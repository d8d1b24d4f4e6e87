package jobs

import (
	"fmt"
	"strings"
)

// Selector matches a job's labels.
type Selector func(labels map[string]string) bool

// Everything matches every job.
func Everything(map[string]string) bool { return true }

// ParseSelector parses a comma separated label selector. Supported terms:
//
//	key=value  key==value  key!=value  key  !key
//	key in (a, b)  key notin (a, b)
//
// An empty selector matches everything.
func ParseSelector(s string) (Selector, error) {
	terms, err := splitTerms(s)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return Everything, nil
	}
	var preds []Selector
	for _, term := range terms {
		p, err := parseTerm(term)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return func(labels map[string]string) bool {
		for _, p := range preds {
			if !p(labels) {
				return false
			}
		}
		return true
	}, nil
}

func splitTerms(s string) ([]string, error) {
	var terms []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("selector %q: unbalanced parenthesis", s)
			}
		case ',':
			if depth == 0 {
				terms = appendTerm(terms, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("selector %q: unbalanced parenthesis", s)
	}
	return appendTerm(terms, s[start:]), nil
}

func appendTerm(terms []string, term string) []string {
	if term = strings.TrimSpace(term); term != "" {
		terms = append(terms, term)
	}
	return terms
}

func parseTerm(term string) (Selector, error) {
	if key, values, ok := cutSet(term, " notin "); ok {
		return func(labels map[string]string) bool {
			v, has := labels[key]
			return !has || !values[v]
		}, nil
	}
	if key, values, ok := cutSet(term, " in "); ok {
		return func(labels map[string]string) bool {
			v, has := labels[key]
			return has && values[v]
		}, nil
	}
	if key, value, ok := strings.Cut(term, "!="); ok {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		return func(labels map[string]string) bool { return labels[key] != value }, nil
	}
	if key, value, ok := strings.Cut(term, "="); ok {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(strings.TrimPrefix(value, "="))
		if key == "" {
			return nil, fmt.Errorf("selector term %q: missing key", term)
		}
		return func(labels map[string]string) bool {
			v, has := labels[key]
			return has && v == value
		}, nil
	}
	if key, ok := strings.CutPrefix(term, "!"); ok {
		key = strings.TrimSpace(key)
		return func(labels map[string]string) bool {
			_, has := labels[key]
			return !has
		}, nil
	}
	if strings.ContainsAny(term, " ()") {
		return nil, fmt.Errorf("selector term %q: invalid", term)
	}
	return func(labels map[string]string) bool {
		_, has := labels[term]
		return has
	}, nil
}

func cutSet(term, op string) (string, map[string]bool, bool) {
	key, rest, ok := strings.Cut(term, op)
	if !ok {
		return "", nil, false
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "(") || !strings.HasSuffix(rest, ")") {
		return "", nil, false
	}
	values := make(map[string]bool)
	for _, v := range strings.Split(rest[1:len(rest)-1], ",") {
		values[strings.TrimSpace(v)] = true
	}
	return strings.TrimSpace(key), values, true
}
