package conversation

import "fmt"

// Fixed replies.
const (
	MsgPasswordAccepted = "Password accepted. You may continue using the bot."
	MsgPasswordRejected = "Incorrect password. Please try again."
	MsgFactSaved        = "Information saved."
	MsgForgotten        = "Information forgotten."
	MsgNotForgotten     = "Information not forgotten."
	MsgNothingToForget  = "There is nothing in memory to forget."
	MsgCommandCancelled = "Command not executed."
	MsgNoCommand        = "I could not turn that into a command."
	MsgNotUnderstood    = "I did not understand what you said!"
)

func forgetPrompt(info string) string {
	return fmt.Sprintf("'%s' Forget this information?", info)
}

func runPrompt(command string) string {
	return fmt.Sprintf("Run command \"%s\"?", command)
}

func spawnFailed(err error) string {
	return fmt.Sprintf("Error executing command: %v", err)
}
