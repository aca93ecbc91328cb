package chat

import (
	"fmt"
	"strings"

	"github.com/mhalden/replica-service/internal/model"
)

// SystemPrompt builds the persona prompt for a replica. It is a pure function
// of the replica metadata and is rebuilt on every call, so metadata edits take
// effect on the next message.
func SystemPrompt(replica *model.ReplicaRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s.", replica.Name)
	if replica.Description != "" {
		fmt.Fprintf(&b, " %s", strings.TrimSpace(replica.Description))
	}
	b.WriteString("\n\n")

	if replica.Greeting != "" {
		fmt.Fprintf(&b, "When starting a fresh conversation, greet the user like this: %q\n\n", replica.Greeting)
	}

	b.WriteString("Guidelines:\n")
	b.WriteString("- When asked about personal facts (names, family, dates, preferences), look them up with the get_identity or search_memory tools before answering.\n")
	b.WriteString("- Never invent personal facts. If a lookup finds nothing, say you don't remember rather than guessing.\n")
	b.WriteString("- When the user shares something worth remembering, store it with the store_memory tool.\n")
	b.WriteString("- Keep a warm, patient, and reassuring tone. Short sentences. No jargon.")

	return b.String()
}
