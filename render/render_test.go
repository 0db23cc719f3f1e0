package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineLayout(t *testing.T) {
	out := Combine("line one\nline two\n", "Some analysis.")

	assert.True(t, strings.HasPrefix(out, "## Extracted Text\n\n```text\nline one\nline two\n```\n"))
	assert.Contains(t, out, "## Analysis\n\nSome analysis.\n")
}

func TestCombineWithDegradedAnalysis(t *testing.T) {
	note := AnalysisUnavailable(errors.New("backend unreachable"))
	out := Combine("NO_TEXT_FOUND", note)

	assert.Contains(t, out, "_analysis unavailable: backend unreachable_")
	assert.Contains(t, out, "NO_TEXT_FOUND")
}

func TestHTMLRendersStructure(t *testing.T) {
	html, err := HTML("## Heading\n\nSome **bold** text.\n\n- item one\n- item two\n")
	require.NoError(t, err)

	assert.Contains(t, html, "<h2")
	assert.Contains(t, html, "<strong>bold</strong>")
	assert.Contains(t, html, "<li>item one</li>")
}

func TestHTMLEscapesRawHTML(t *testing.T) {
	html, err := HTML("before <script>alert(1)</script> after")
	require.NoError(t, err)

	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestHTMLRendersGFMTable(t *testing.T) {
	html, err := HTML("| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)

	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<td>1</td>")
}
