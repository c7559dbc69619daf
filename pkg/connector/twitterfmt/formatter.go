// Copyright 2024-2026 Aiku AI

// Package twitterfmt converts tweet text and entities to Matrix HTML.
package twitterfmt

import (
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

// ParsedMessage holds the result of converting a tweet to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// Parse converts a tweet to Matrix event content. Shortened t.co links are
// replaced by their expanded targets, media links are stripped from the text
// (the pipeline uploads the media itself), and hashtags and mentions become
// links in the HTML rendering.
func Parse(tweet *twapi.Tweet) *ParsedMessage {
	text := tweet.Body()

	// Media URLs duplicate attachments, drop them from the text entirely.
	for _, media := range tweet.AllMedia() {
		text = strings.ReplaceAll(text, media.URL, "")
	}
	for _, u := range tweet.Entities.URLs {
		if u.ExpandedURL != "" {
			text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
		}
	}
	text = strings.TrimSpace(text)

	hasEntities := len(tweet.Entities.Hashtags) > 0 ||
		len(tweet.Entities.UserMentions) > 0 ||
		len(tweet.Entities.URLs) > 0

	if !hasEntities {
		return &ParsedMessage{Body: text}
	}

	formatted := html.EscapeString(text)
	for _, u := range tweet.Entities.URLs {
		target := u.ExpandedURL
		if target == "" {
			target = u.URL
		}
		escaped := html.EscapeString(target)
		formatted = strings.ReplaceAll(formatted, escaped,
			fmt.Sprintf(`<a href="%s">%s</a>`, escaped, escaped))
	}
	for _, tag := range tweet.Entities.Hashtags {
		formatted = linkToken(formatted, "#"+tag.Text,
			"https://twitter.com/hashtag/"+tag.Text)
	}
	for _, mention := range tweet.Entities.UserMentions {
		formatted = linkToken(formatted, "@"+mention.ScreenName,
			"https://twitter.com/"+mention.ScreenName)
	}
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")

	if formatted == html.EscapeString(text) {
		return &ParsedMessage{Body: text}
	}
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// linkToken wraps occurrences of token in an anchor, but only when the token
// stands on its own rather than inside a longer word or an existing link.
func linkToken(s, token, href string) string {
	escaped := html.EscapeString(token)
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, escaped)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		end := idx + len(escaped)
		before := byte(' ')
		if idx > 0 {
			before = rest[idx-1]
		}
		after := byte(' ')
		if end < len(rest) {
			after = rest[end]
		}
		if isBoundary(before) && isBoundary(after) {
			b.WriteString(rest[:idx])
			b.WriteString(`<a href="`)
			b.WriteString(html.EscapeString(href))
			b.WriteString(`">`)
			b.WriteString(escaped)
			b.WriteString(`</a>`)
		} else {
			b.WriteString(rest[:end])
		}
		rest = rest[end:]
	}
	return b.String()
}

func isBoundary(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return false
	}
	return true
}
