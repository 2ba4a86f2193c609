package prompts

import "strings"

// AnswerSystem is the system instruction for answers grounded in memory.
const AnswerSystem = "You are a friendly and helpful assistant. Start answering without a greeting."

// ChatSystem is the system instruction for free-form chat.
const ChatSystem = AnswerSystem + " Preferably answer in one or no more than three sentences."

// Grounded places the retrieved documents ahead of the question, one
// blank line between each. With no documents the question is sent alone.
func Grounded(docs []string, question string) string {
	if len(docs) == 0 {
		return question
	}
	return strings.Join(docs, "\n\n") + "\n\n" + question
}
