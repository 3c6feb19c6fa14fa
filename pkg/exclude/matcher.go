// Package exclude compiles gitignore-style exclude rules into a matcher over relative paths.
package exclude

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rule is one compiled exclude line.
type Rule struct {
	Pattern  string
	Negated  bool
	Anchored bool
	DirOnly  bool
	re       *regexp.Regexp
}

// Match reports whether the rule's glob matches path, ignoring negation.
func (r *Rule) Match(path string) bool {
	return r.re.MatchString(path)
}

// Matcher evaluates rules in order, the last matching rule decides.
type Matcher struct {
	rules    []*Rule
	sources  []string
	warnings []string
}

// Compile builds a Matcher. Blank lines and `#` comments produce no rule and malformed
// globs are accepted best-effort; see Warnings.
func Compile(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.add(p)
	}
	return m
}

// FromFile reads one pattern per line. A missing file yields an empty matcher.
func FromFile(path string) (*Matcher, error) {
	lines, err := ReadPatternFile(path)
	if err != nil {
		return nil, err
	}
	return Compile(lines), nil
}

// ReadPatternFile returns the lines of an exclude file, nil when the file does not exist.
func ReadPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't open exclude file %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			log.Warn().Msgf("can't close %s: %v", path, closeErr)
		}
	}()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("can't read exclude file %s: %w", path, err)
	}
	return lines, nil
}

func (m *Matcher) add(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	rule := &Rule{Pattern: line}
	glob := line
	if strings.HasPrefix(glob, "!") {
		rule.Negated = true
		glob = strings.TrimSpace(glob[1:])
	}
	if strings.HasPrefix(glob, "/") {
		rule.Anchored = true
		glob = strings.TrimLeft(glob, "/")
	}
	if strings.HasSuffix(glob, "/") && !strings.HasSuffix(glob, `\/`) {
		rule.DirOnly = true
		glob = strings.TrimRight(glob, "/")
	}
	if glob == "" {
		m.warnings = append(m.warnings, fmt.Sprintf("pattern %q has an empty body, ignored", line))
		return
	}

	tokens, warnings := tokenize(glob)
	m.warnings = append(m.warnings, warnings...)

	var expr strings.Builder
	if rule.Anchored {
		expr.WriteString("^")
	} else {
		expr.WriteString(`^(?:.*/)?`)
	}
	expr.WriteString(translate(tokens))
	if rule.DirOnly {
		expr.WriteString(`(?:/.*)?$`)
	} else {
		expr.WriteString("$")
	}

	re, err := regexp.Compile(expr.String())
	if err != nil {
		m.warnings = append(m.warnings, fmt.Sprintf("pattern %q can't be compiled (%v), matched literally", line, err))
		re = regexp.MustCompile(`^(?:.*/)?` + regexp.QuoteMeta(glob) + "$")
	}
	rule.re = re
	m.rules = append(m.rules, rule)
	m.sources = append(m.sources, line)
}

// ShouldExclude reports whether path is excluded. A leading `./` is ignored.
func (m *Matcher) ShouldExclude(path string) bool {
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	excluded := false
	for _, rule := range m.rules {
		if rule.Match(path) {
			excluded = !rule.Negated
		}
	}
	return excluded
}

// Patterns returns the source text of every compiled rule in evaluation order.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.sources))
	copy(out, m.sources)
	return out
}

// Rules exposes the compiled rules, mostly for diagnostics.
func (m *Matcher) Rules() []*Rule {
	return m.rules
}

// Warnings lists the malformed-syntax notices collected while compiling.
func (m *Matcher) Warnings() []string {
	return m.warnings
}

// Len is the number of compiled rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}
