package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/quarry-lab/conductor/internal/messages"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// renderMarkdown produces the human-readable transcript for one conversation.
func renderMarkdown(conversationID string, msgs []messages.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conversationID)
	for _, m := range msgs {
		label := speakerLabel(m)
		fmt.Fprintf(&b, "## %s\n\n", label)
		content := strings.TrimSpace(m.Content)
		if content == "" {
			content = "_(no content)_"
		}
		b.WriteString(content)
		b.WriteString("\n\n")
		if files := attachedFiles(m); len(files) > 0 {
			b.WriteString("Attached files:\n\n")
			for _, f := range files {
				fmt.Fprintf(&b, "- `%s`\n", f)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// attachedFiles reads the files kwarg whether it holds []string (in memory)
// or []interface{} (after a JSON round trip).
func attachedFiles(m messages.Message) []string {
	switch v := m.Kwargs[messages.KwargFiles].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func speakerLabel(m messages.Message) string {
	switch m.Role {
	case messages.RoleHuman:
		return "User"
	case messages.RoleTool:
		if m.Name != "" {
			return "Tool: " + m.Name
		}
		return "Tool"
	case messages.RoleSystem:
		return "System"
	default:
		if at := m.AgentType(); at != "" {
			return "Assistant (" + at + ")"
		}
		return "Assistant"
	}
}

func renderHTML(markdown string) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("export: render html: %w", err)
	}
	return buf.Bytes(), nil
}
