package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loomagent/loom/pkg/models"
)

// ShapeObservation formats a tool's raw result into the text form injected
// back into the conversation. The rules are tool-specific: each tool's
// output has a shape the model parses more reliably than a raw JSON dump.
func ShapeObservation(toolName string, rawInput json.RawMessage, result models.ToolResult) string {
	if result.IsError {
		return shapeError(result.Content)
	}

	action := extractAction(rawInput)

	switch toolName {
	case "bash", "execute_code":
		return shapeBash(result.Content)
	case "text_editor":
		switch action {
		case "read":
			return shapeTextEditorRead(result.Content)
		case "grep":
			return shapeTextEditorGrep(result.Content)
		}
	case "browser":
		if action == "read" {
			return shapeBrowserRead(result.Content)
		}
	}

	return shapeGenericFallback(result.Content)
}

func shapeError(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > 200 {
		content = content[:200]
	}
	return "Error: " + content
}

func shapeBash(content string) string {
	output, exitCode := splitBashOutput(content)
	if len(output) > 1000 {
		output = output[:1000] + "...[truncated]"
	}
	return fmt.Sprintf("Output:\n%s\nExit code: %d", output, exitCode)
}

// splitBashOutput pulls an embedded exit code out of a bash tool's raw
// content if present (as a trailing "exit_code: N" line), defaulting to 0.
func splitBashOutput(content string) (string, int) {
	const marker = "\nexit_code:"
	if idx := strings.LastIndex(content, marker); idx >= 0 {
		var code int
		if _, err := fmt.Sscanf(content[idx+1:], "exit_code: %d", &code); err == nil {
			return content[:idx], code
		}
	}
	return content, 0
}

func shapeTextEditorRead(content string) string {
	lines := strings.Split(content, "\n")
	total := len(lines)
	body := content
	if len(body) > 4000 {
		body = body[:4000] + "...[truncated]"
	}
	return fmt.Sprintf("%d lines\n%s", total, body)
}

func shapeTextEditorGrep(content string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	var matches []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			matches = append(matches, l)
		}
	}
	count := len(matches)
	if count > 20 {
		matches = matches[:20]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d matches\n", count)
	for _, m := range matches {
		b.WriteString(m)
		b.WriteString("\n")
	}
	if count > 20 {
		fmt.Fprintf(&b, "... +%d more\n", count-20)
	}
	return strings.TrimRight(b.String(), "\n")
}

func shapeBrowserRead(content string) string {
	title, url, body := splitBrowserPage(content)
	if len(body) > 2000 {
		body = body[:2000] + "...[truncated]"
	}
	return fmt.Sprintf("%s\n%s\n%s", title, url, body)
}

// splitBrowserPage expects a raw browser.read result formatted as
// "title\nurl\n<body>"; tools that don't follow that convention fall back
// to treating the whole content as the body with an empty title/url.
func splitBrowserPage(content string) (title, url, body string) {
	parts := strings.SplitN(content, "\n", 3)
	if len(parts) == 3 {
		return parts[0], parts[1], parts[2]
	}
	return "", "", content
}

// maxListItems is the cap on list entries shown in an observation before
// tail-truncating with a "+K more" marker.
const maxListItems = 40

func shapeGenericFallback(content string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		// Not a JSON object - treat as plain text, generic truncation.
		if len(content) > 8000 {
			return content[:8000] + "[...output truncated]"
		}
		return content
	}

	// Lists are rendered with a count prefix and tail truncation.
	if items, ok := listCandidate(obj); ok {
		return shapeList(items)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	total := 0
	for _, k := range keys {
		val := fmt.Sprintf("%v", obj[k])
		if len(val) > 2000 {
			val = val[:2000] + "...[truncated]"
		}
		line := fmt.Sprintf("%s: %s\n", k, val)
		if total+len(line) > 8000 {
			b.WriteString("[...output truncated]")
			break
		}
		b.WriteString(line)
		total += len(line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// listCandidate recognizes a single-key object wrapping an array, the
// common shape for "elements"/"windows"-style tool results.
func listCandidate(obj map[string]any) ([]any, bool) {
	if len(obj) != 1 {
		return nil, false
	}
	for _, v := range obj {
		if items, ok := v.([]any); ok {
			return items, true
		}
	}
	return nil, false
}

func shapeList(items []any) string {
	count := len(items)
	shown := items
	if count > maxListItems {
		shown = items[:maxListItems]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d items\n", count)
	for _, item := range shown {
		b.WriteString(describeListItem(item))
		b.WriteString("\n")
	}
	if count > maxListItems {
		fmt.Fprintf(&b, "... +%d more\n", count-maxListItems)
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeListItem(item any) string {
	obj, ok := item.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", item)
	}
	var parts []string
	for _, key := range []string{"name", "role", "automation_id"} {
		if v, ok := obj[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%v", obj)
	}
	return strings.Join(parts, " ")
}

func extractAction(rawInput json.RawMessage) string {
	if len(rawInput) == 0 {
		return ""
	}
	var input struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return ""
	}
	return input.Action
}

// shapeToolResultsForObservation applies ShapeObservation to each result's
// content, matching results back to their originating call by ToolCallID.
// The unshaped results are left untouched for persistence/audit.
func shapeToolResultsForObservation(calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	inputByID := make(map[string]json.RawMessage, len(calls))
	nameByID := make(map[string]string, len(calls))
	for _, c := range calls {
		inputByID[c.ID] = c.Input
		nameByID[c.ID] = c.Name
	}

	shaped := make([]models.ToolResult, len(results))
	for i, res := range results {
		shaped[i] = res
		name := nameByID[res.ToolCallID]
		if name == "" {
			continue
		}
		shaped[i].Content = ShapeObservation(name, inputByID[res.ToolCallID], res)
	}
	return shaped
}
