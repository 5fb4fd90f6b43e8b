package agent

import (
	"regexp"
	"strings"
)

// cleanJSONBlock removes a markdown code fence around a JSON reply.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i > 0 && j > i {
			return text[i : j+1]
		}
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.Index(text, "\n"); i >= 0 {
		first := text[:i]
		if len(first) < 20 && !strings.ContainsAny(first, " {") {
			text = text[i+1:]
		}
	}
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

var fence = regexp.MustCompile("(?s)```(?:python|py)?[ \t]*\r?\n(.*?)```")

// extractCode returns the longest fenced block in text, or text itself when
// the reply has no fences.
func extractCode(text string) string {
	matches := fence.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	var best string
	for _, m := range matches {
		if len(m[1]) > len(best) {
			best = m[1]
		}
	}
	return strings.TrimSpace(best)
}

const pep723Open = "# /// script"

// ensureScriptHeader prepends an inline script metadata block when the program
// lacks one, dropping any leading shebang or comment lines it replaces.
func ensureScriptHeader(script string, libraries []string) string {
	script = strings.TrimSpace(script)
	if strings.HasPrefix(script, pep723Open) {
		return script + "\n"
	}

	lines := strings.Split(script, "\n")
	start := 0
	for start < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[start]), "#") {
		start++
	}

	if len(libraries) == 0 {
		libraries = []string{"pandas"}
	}
	var b strings.Builder
	b.WriteString(pep723Open + "\n")
	b.WriteString("# requires-python = \">=3.10\"\n")
	b.WriteString("# dependencies = [\n")
	for _, l := range libraries {
		b.WriteString("#     \"" + l + "\",\n")
	}
	b.WriteString("# ]\n")
	b.WriteString("# ///\n\n")
	b.WriteString(strings.Join(lines[start:], "\n"))
	b.WriteByte('\n')
	return b.String()
}
