package exclude

import (
	"fmt"
	"regexp"
	"strings"
)

type tokenKind int

const (
	tokLiteral tokenKind = iota
	tokSeparator
	tokStar
	tokDoubleStar
	tokDirsPrefix
	tokQuestion
	tokClass
)

type token struct {
	kind tokenKind
	text string
}

// tokenize splits a glob body (without the negation, anchor or trailing-slash markers)
// in a single left-to-right pass. Unterminated character classes degrade to a literal `[`
// and are reported through the returned warnings.
func tokenize(glob string) ([]token, []string) {
	var tokens []token
	var warnings []string
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			if i+1 < len(runes) {
				i++
				tokens = append(tokens, token{kind: tokLiteral, text: string(runes[i])})
			} else {
				tokens = append(tokens, token{kind: tokLiteral, text: `\`})
			}
		case '/':
			tokens = append(tokens, token{kind: tokSeparator, text: "/"})
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				// collapse runs like `***` into a single `**`
				for i+1 < len(runes) && runes[i+1] == '*' {
					i++
				}
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					tokens = append(tokens, token{kind: tokDirsPrefix, text: "**/"})
				} else {
					tokens = append(tokens, token{kind: tokDoubleStar, text: "**"})
				}
			} else {
				tokens = append(tokens, token{kind: tokStar, text: "*"})
			}
		case '?':
			tokens = append(tokens, token{kind: tokQuestion, text: "?"})
		case '[':
			class, next, ok := scanClass(runes, i)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("unterminated character class at offset %d in %q, treated as literal", i, glob))
				tokens = append(tokens, token{kind: tokLiteral, text: "["})
				continue
			}
			tokens = append(tokens, token{kind: tokClass, text: class})
			i = next
		default:
			tokens = append(tokens, token{kind: tokLiteral, text: string(r)})
		}
	}
	return tokens, warnings
}

// scanClass reads `[...]` starting at runes[start] == '['. It returns the class translated
// to RE2 syntax and the index of the closing bracket.
func scanClass(runes []rune, start int) (string, int, bool) {
	i := start + 1
	var sb strings.Builder
	sb.WriteByte('[')
	if i < len(runes) && (runes[i] == '!' || runes[i] == '^') {
		sb.WriteByte('^')
		i++
	}
	// `]` right after the opening bracket is part of the set
	first := true
	for ; i < len(runes); i++ {
		r := runes[i]
		if r == ']' && !first {
			sb.WriteByte(']')
			return sb.String(), i, true
		}
		first = false
		switch r {
		case '\\':
			if i+1 < len(runes) {
				i++
				if runes[i] == '-' {
					sb.WriteString(`\-`)
				} else {
					sb.WriteString(regexp.QuoteMeta(string(runes[i])))
				}
				continue
			}
			sb.WriteString(`\\`)
		case '[', ']', '^':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		case '/':
			// a class never matches the separator
			continue
		default:
			sb.WriteRune(r)
		}
	}
	return "", start, false
}

// translate emits the regexp body for a token stream.
func translate(tokens []token) string {
	var sb strings.Builder
	for _, t := range tokens {
		switch t.kind {
		case tokLiteral, tokSeparator:
			sb.WriteString(regexp.QuoteMeta(t.text))
		case tokStar:
			sb.WriteString(`[^/]*`)
		case tokDoubleStar:
			sb.WriteString(`.*`)
		case tokDirsPrefix:
			sb.WriteString(`(?:.*/)?`)
		case tokQuestion:
			sb.WriteString(`[^/]`)
		case tokClass:
			sb.WriteString(t.text)
		}
	}
	return sb.String()
}
