package corpus

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
)

var htmlConverter = newConverter()

func newConverter() *md.Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return c
}

// NormalizeBody converts a post body that may carry legacy BBCode-rendered
// HTML (the forum software renders `[b]`/`[spoiler]`/quote BBCode to HTML
// before storage) into markdown, so it reaches the context/token budget in
// the same format the glossary's own markdown definitions use. Plain-text
// bodies with no HTML markup pass through unchanged.
func NormalizeBody(body string) string {
	if !looksLikeHTML(body) {
		return body
	}
	out, err := htmlConverter.ConvertString(body)
	if err != nil {
		return body
	}
	return strings.TrimSpace(out)
}

func looksLikeHTML(s string) bool {
	return strings.Contains(s, "<") && strings.Contains(s, ">")
}
