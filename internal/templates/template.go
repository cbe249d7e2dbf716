package templates

import (
	"regexp"
	"strings"

	"github.com/opsforge/fleetcap/internal/vendors"
)

// Record is one structured row extracted from command output.
type Record map[string]string

// Rule matches one line of output. Named capture groups set fields on the
// record under construction; a Record rule flushes it afterwards.
type Rule struct {
	Pattern *regexp.Regexp
	Record  bool
}

// Template is a structured-text parser definition. Templates are immutable
// within a process lifetime.
type Template struct {
	ID       string
	Platform vendors.Platform
	Command  string // filter pattern source, e.g. "show version"
	Required string // field whose presence earns the required-field bonus
	Rules    []Rule
	// ListFields accumulate comma-joined values across matches instead of
	// overwriting (stack serials, member models).
	ListFields []string
}

func (t *Template) isList(field string) bool {
	for _, f := range t.ListFields {
		if f == field {
			return true
		}
	}
	return false
}

// Parse runs the template against sanitized output and returns the extracted
// records. A template that matches nothing returns an empty slice.
func (t *Template) Parse(output string) []Record {
	var records []Record
	current := Record{}

	flush := func() {
		for _, v := range current {
			if v != "" {
				records = append(records, current)
				current = Record{}
				return
			}
		}
	}

	for _, line := range strings.Split(output, "\n") {
		for _, rule := range t.Rules {
			m := rule.Pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			for i, name := range rule.Pattern.SubexpNames() {
				if name == "" || i >= len(m) || m[i] == "" {
					continue
				}
				value := strings.TrimSpace(m[i])
				if prev, ok := current[name]; ok && prev != "" && t.isList(name) {
					current[name] = prev + ", " + value
				} else {
					current[name] = value
				}
			}
			if rule.Record {
				flush()
			}
			break
		}
	}
	flush()
	return records
}

// FieldCount returns the number of non-empty fields across records.
func FieldCount(records []Record) int {
	n := 0
	for _, r := range records {
		for _, v := range r {
			if v != "" {
				n++
			}
		}
	}
	return n
}

// filterTerms derives match terms from a command the way the catalog filter
// expects: split on separators, keep terms longer than 2 characters.
func filterTerms(command string) []string {
	normalized := strings.ToLower(strings.NewReplacer("-", " ", "_", " ").Replace(command))
	var terms []string
	for _, term := range strings.Fields(normalized) {
		if len(term) > 2 {
			terms = append(terms, term)
		}
	}
	return terms
}

// matchesCommand reports whether every filter term of command occurs in the
// template's own command string.
func (t *Template) matchesCommand(command string) bool {
	haystack := strings.ToLower(strings.NewReplacer("-", " ", "_", " ").Replace(t.Command))
	for _, term := range filterTerms(command) {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
