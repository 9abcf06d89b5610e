package notifier

import (
	"html"
	"strings"

	"articlecast/internal/delivery"
)

// Render builds the channel-agnostic payload of an article.
func Render(a delivery.Article) delivery.Payload {
	var text strings.Builder
	text.WriteString(a.Title)
	if a.Summary != "" {
		text.WriteString("\n\n")
		text.WriteString(a.Summary)
	}
	if a.URL != "" {
		text.WriteString("\n\n")
		text.WriteString(a.URL)
	}

	var body strings.Builder
	body.WriteString("<h2>")
	body.WriteString(html.EscapeString(a.Title))
	body.WriteString("</h2>")
	if a.Summary != "" {
		body.WriteString("<p>")
		body.WriteString(html.EscapeString(a.Summary))
		body.WriteString("</p>")
	}
	if a.URL != "" {
		u := html.EscapeString(a.URL)
		body.WriteString(`<p><a href="` + u + `">` + u + `</a></p>`)
	}

	return delivery.Payload{
		ArticleID: a.ID,
		Title:     a.Title,
		Summary:   a.Summary,
		URL:       a.URL,
		Text:      text.String(),
		HTML:      body.String(),
	}
}
