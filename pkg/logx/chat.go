package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	chatMaxLen   = 3500
	chatFieldLen = 600
	chatStackLen = 900
)

// formatChatLine renders one zerolog JSON line as a compact chat message:
// "[LEVEL] message" followed by one "- key=value" line per field.
func formatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), chatMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, chatStackLen))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, chatFieldLen))
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
