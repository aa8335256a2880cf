package main

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Compiled regexes for markdown patterns (compiled once at package init)
var (
	reCodeBlock     = regexp.MustCompile("(?s)```([\\w+-]*)\\n(.*?)\\n?```")
	reInlineCode    = regexp.MustCompile("`([^`\\n]+)`")
	reHeader        = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reBullet        = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	reLink          = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	reBold          = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reStrikethrough = regexp.MustCompile(`~~(.+?)~~`)
)

// placeholderPrefix is random per process so pane text cannot forge it.
var placeholderPrefix = "PH" + strings.ReplaceAll(uuid.NewString(), "-", "")

const fence = "```"

type codeBlock struct {
	language string
	code     string
}

// hasMarkdown is a cheap pre-check so plain output skips the regex pipeline.
func hasMarkdown(s string) bool {
	if strings.Contains(s, "`") ||
		strings.Contains(s, "**") ||
		strings.Contains(s, "~~") ||
		strings.Contains(s, "](") {
		return true
	}
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 2 {
			continue
		}
		if trimmed[0] == '#' {
			return true
		}
		if (trimmed[0] == '-' || trimmed[0] == '*') && trimmed[1] == ' ' {
			return true
		}
	}
	return false
}

// closeOpenFence appends a closing fence when text ends inside a code
// block. Chunks from splitChunks are already balanced.
func closeOpenFence(s string) string {
	if strings.Count(s, fence)%2 == 1 {
		return strings.TrimRight(s, "\n") + "\n" + fence
	}
	return s
}

// formatMarkdownToTelegramHTML converts the markdown a CLI answers in to
// the HTML subset Telegram accepts. Code is cut out first so nothing inside
// it is interpreted, the rest is escaped and converted, then code is put
// back.
func formatMarkdownToTelegramHTML(input string) string {
	if input == "" {
		return ""
	}
	if !hasMarkdown(input) {
		return html.EscapeString(input)
	}

	text, blocks := extractCodeBlocks(closeOpenFence(input))
	text, inline := extractInlineCode(text)
	text = html.EscapeString(text)
	text = convertMarkdownPatterns(text)
	text = restoreCodeBlocks(text, blocks)
	return restoreInlineCode(text, inline)
}

func placeholder(kind string, i int) string {
	return fmt.Sprintf("%s%s%d%s", placeholderPrefix, kind, i, placeholderPrefix)
}

func extractCodeBlocks(input string) (string, []codeBlock) {
	var blocks []codeBlock
	out := reCodeBlock.ReplaceAllStringFunc(input, func(match string) string {
		parts := reCodeBlock.FindStringSubmatch(match)
		blocks = append(blocks, codeBlock{language: parts[1], code: parts[2]})
		return placeholder("CODEBLOCK", len(blocks)-1)
	})
	return out, blocks
}

func extractInlineCode(input string) (string, []string) {
	var codes []string
	out := reInlineCode.ReplaceAllStringFunc(input, func(match string) string {
		codes = append(codes, reInlineCode.FindStringSubmatch(match)[1])
		return placeholder("INLINECODE", len(codes)-1)
	})
	return out, codes
}

// convertMarkdownPatterns works on escaped text. Line patterns run before
// inline ones.
func convertMarkdownPatterns(text string) string {
	text = reHeader.ReplaceAllString(text, "<b>$1</b>")
	text = reBullet.ReplaceAllString(text, "${1}• ")
	text = convertLinks(text)
	text = reBold.ReplaceAllString(text, "<b>$1</b>")
	return reStrikethrough.ReplaceAllString(text, "<s>$1</s>")
}

// convertLinks only turns http, https and tg URLs into anchors; anything
// else is shown as text.
func convertLinks(text string) string {
	return reLink.ReplaceAllStringFunc(text, func(match string) string {
		parts := reLink.FindStringSubmatch(match)
		label, url := parts[1], html.UnescapeString(parts[2])
		lower := strings.ToLower(url)
		if !strings.HasPrefix(lower, "http://") &&
			!strings.HasPrefix(lower, "https://") &&
			!strings.HasPrefix(lower, "tg://") {
			return label + " (" + html.EscapeString(url) + ")"
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), label)
	})
}

func restoreCodeBlocks(text string, blocks []codeBlock) string {
	for i, b := range blocks {
		code := html.EscapeString(b.code)
		repl := "<pre><code>" + code + "</code></pre>"
		if b.language != "" {
			repl = fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, b.language, code)
		}
		text = strings.Replace(text, placeholder("CODEBLOCK", i), repl, 1)
	}
	return text
}

func restoreInlineCode(text string, codes []string) string {
	for i, c := range codes {
		text = strings.Replace(text, placeholder("INLINECODE", i), "<code>"+html.EscapeString(c)+"</code>", 1)
	}
	return text
}
