// Copyright 2024-2026 Aiku AI

// Package mdfmt renders outbound markdown text as Matrix message content.
package mdfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^\w*])_(.+?)_($|[^\w*])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
	markupRe     = regexp.MustCompile("(?m)\\*\\*|~~|`|\\]\\(|^(#{1,6}\\s|[-*]\\s|\\d+\\.\\s|>)|(^|\\W)_")
)

// Render converts markdown text to an m.text message. Text without markup
// gets no formatted body.
func Render(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if text == "" || !markupRe.MatchString(text) {
		return content
	}
	content.Format = event.FormatHTML
	content.FormattedBody = ToHTML(text)
	return content
}

// ToHTML converts markdown to Matrix HTML.
func ToHTML(text string) string {
	var blocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		open := "<pre><code>"
		if parts[1] != "" {
			open = `<pre><code class="language-` + html.EscapeString(parts[1]) + `">`
		}
		blocks = append(blocks, open+html.EscapeString(parts[2])+"</code></pre>")
		return "\x00" + strconv.Itoa(len(blocks)-1) + "\x00"
	})

	var out []string
	var listTag string
	var items []string
	flush := func() {
		if len(items) > 0 {
			out = append(out, "<"+listTag+">"+strings.Join(items, "")+"</"+listTag+">")
		}
		items, listTag = nil, ""
	}
	addItem := func(tag, item string) {
		if listTag != tag {
			flush()
			listTag = tag
		}
		items = append(items, "<li>"+inline(item)+"</li>")
	}

	for _, line := range strings.Split(text, "\n") {
		if m := ulRe.FindStringSubmatch(line); m != nil {
			addItem("ul", m[1])
			continue
		}
		if m := olRe.FindStringSubmatch(line); m != nil {
			addItem("ol", m[1])
			continue
		}
		flush()
		if m := headingRe.FindStringSubmatch(line); m != nil {
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+inline(m[2])+"</h"+lvl+">")
		} else if m = blockquoteRe.FindStringSubmatch(line); m != nil {
			out = append(out, "<blockquote>"+inline(m[1])+"</blockquote>")
		} else {
			out = append(out, inline(line))
		}
	}
	flush()

	formatted := strings.Join(out, "\n")
	if strings.Contains(formatted, "\n\n") {
		formatted = "<p>" + strings.ReplaceAll(formatted, "\n\n", "</p><p>") + "</p>"
	}
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	for i, block := range blocks {
		formatted = strings.Replace(formatted, "\x00"+strconv.Itoa(i)+"\x00", block, 1)
	}
	return formatted
}

func inline(line string) string {
	line = html.EscapeString(line)
	line = codeRe.ReplaceAllString(line, "<code>$1</code>")
	line = boldRe.ReplaceAllString(line, "<strong>$1</strong>")
	line = italicRe.ReplaceAllString(line, "$1<em>$2</em>$3")
	line = strikeRe.ReplaceAllString(line, "<del>$1</del>")
	return linkRe.ReplaceAllStringFunc(line, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})
}
