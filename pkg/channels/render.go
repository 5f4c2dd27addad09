package channels

import (
	"fmt"
	"strings"
)

var iconGlyphs = map[IconClass]string{
	IconFile:     "📄",
	IconEdit:     "📝",
	IconTerminal: "⚡",
	IconWeb:      "🌐",
	IconThinking: "💭",
	IconOther:    "🔧",
}

var statusGlyphs = map[string]string{
	"pending":     "⏳",
	"in_progress": "⏳",
	"completed":   "✅",
	"failed":      "❌",
}

// RenderText renders an event as plain chat text for adapters without rich
// formatting. Text chunks are returned as is; TurnComplete renders empty
// unless the turn was cancelled.
func RenderText(ev OutboundEvent) string {
	switch ev.Kind {
	case KindTextChunk, KindNotice:
		return ev.Text

	case KindToolCallStatus:
		if ev.ToolCall == nil {
			return ""
		}
		icon, ok := iconGlyphs[ev.ToolCall.IconClass]
		if !ok {
			icon = iconGlyphs[IconOther]
		}
		line := icon + " " + ev.ToolCall.Description
		if glyph, ok := statusGlyphs[ev.ToolCall.Status]; ok {
			line += " " + glyph
		}
		return line

	case KindPermissionPrompt:
		if ev.Permission == nil {
			return ""
		}
		var b strings.Builder
		b.WriteString("🔐 Permission requested:\n\n")
		b.WriteString("📋 " + ev.Permission.Description + "\n\n")
		b.WriteString("Reply: y (allow) / n (deny) / t (trust)\n")
		fmt.Fprintf(&b, "⏱️ Auto-deny in %ds", ev.Permission.DeadlineSeconds)
		return b.String()

	case KindTurnComplete:
		if ev.Cancelled {
			return "⏹️ Cancelled"
		}
		return ""

	case KindErrorNotice:
		return "❌ " + ev.Text

	default:
		return ""
	}
}
