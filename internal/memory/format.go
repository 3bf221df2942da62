package memory

import (
	"fmt"
	"strings"
)

const contextHeader = "Here are some relevant previous interactions:\n\n"

// FormatContext renders memories, in the given order, as numbered blocks
// under a short header. No memories gives the empty string.
func FormatContext(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(contextHeader)
	for i, m := range memories {
		fmt.Fprintf(&b, "Memory %d:\nUser: %s\nAI: %s\n\n", i+1, m.Prompt, m.Reply)
	}
	return b.String()
}
