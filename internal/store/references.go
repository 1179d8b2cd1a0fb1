package store

import (
	"bytes"
	"regexp"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/parser"
	goldmarkmeta "github.com/yuin/goldmark-meta"
)

// crossRefPattern matches the `[[Term]]` cross-reference syntax definitions
// may contain, per spec §3 ("may contain [[Term]] cross-references, not
// validated at write time").
var crossRefPattern = regexp.MustCompile(`\[\[([^\]]+)\]\]`)

// ExtractReferences returns every [[Term]] name referenced in a markdown
// definition, in order of first appearance, deduplicated.
func ExtractReferences(definition string) []string {
	matches := crossRefPattern.FindAllStringSubmatch(definition, -1)
	seen := make(map[string]bool, len(matches))
	var refs []string
	for _, m := range matches {
		name := m[1]
		key := normalizeTerm(name)
		if !seen[key] {
			seen[key] = true
			refs = append(refs, name)
		}
	}
	return refs
}

// md is a goldmark instance configured with front-matter support, used by
// RenderPlain to strip markdown formatting. Cross-reference resolution
// happens separately in ExpandReferences, which operates on the raw
// markdown definition text.
var md = goldmark.New(
	goldmark.WithExtensions(goldmarkmeta.Meta),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
)

// RenderPlain renders a markdown definition to plain text for CLI display,
// leaving [[Term]] references intact as literal text (expansion is a
// separate, explicit step via ExpandReferences).
func RenderPlain(definition string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(definition), &buf, parser.WithContext(parser.NewContext())); err != nil {
		return "", err
	}
	return stripTags(buf.String()), nil
}

// stripTags removes the HTML tags goldmark's default renderer emits,
// leaving readable plain text. The CLI never shows raw HTML.
func stripTags(s string) string {
	var out bytes.Buffer
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// ExpandReferences replaces each [[Term]] occurrence in text with
// "Term: <definition snippet>" using resolve to look up the referenced
// entry. Unresolved references are left as literal [[Term]] text. Used by
// glossary_search's include_references option.
func ExpandReferences(text string, resolve func(termNormalized string) (*GlossaryEntry, bool)) string {
	return crossRefPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := crossRefPattern.FindStringSubmatch(match)[1]
		entry, ok := resolve(normalizeTerm(name))
		if !ok {
			return match
		}
		return entry.Term + ": " + snippet(entry.Definition, 160)
	})
}

func snippet(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
