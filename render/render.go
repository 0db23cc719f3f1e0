// Package render turns pipeline output into the result markup consumers
// display. Raw text goes through a real Markdown parser; unsafe raw HTML
// stays escaped.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Combine builds the combined Markdown result from the vision output and
// the analysis output. Analysis may be a degraded "analysis unavailable"
// note; it is rendered the same way.
func Combine(visionText, analysis string) string {
	var sb strings.Builder
	sb.WriteString("## Extracted Text\n\n")
	sb.WriteString("```text\n")
	sb.WriteString(strings.TrimRight(visionText, "\n"))
	sb.WriteString("\n```\n\n")
	sb.WriteString("## Analysis\n\n")
	sb.WriteString(strings.TrimRight(analysis, "\n"))
	sb.WriteString("\n")
	return sb.String()
}

// AnalysisUnavailable is the degraded-analysis note inserted when the text
// backend fails but the vision result is still worth delivering.
func AnalysisUnavailable(reason error) string {
	return fmt.Sprintf("_analysis unavailable: %v_", reason)
}

// HTML renders Markdown to escaped structural markup: headings, emphasis,
// code blocks, lists, tables, and horizontal rules all survive; embedded
// raw HTML does not.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("markdown render failed: %w", err)
	}
	return buf.String(), nil
}
