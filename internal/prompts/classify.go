package prompts

import "fmt"

// ShortAnswerSystem is the system instruction for every classification
// and extraction call. The replies are parsed, not shown to the user.
const ShortAnswerSystem = "Give a short answer without explanations or details"

// intentTemplate asks for one number naming what the message is. The
// numbering is mirrored by intent.Intent; changing it here requires
// changing the parser.
const intentTemplate = `<user_message>%s</user_message> Inside user_message there is:
 1. a question (interrogative sentence)
 2. affirmative information, data, facts or details
 3. a sentence requesting to delete information from memory
 4. a terminal command
 5. other
 Respond with a number.`

// Intent returns the prompt that classifies message into one of the five
// numbered categories.
func Intent(message string) string {
	return fmt.Sprintf(intentTemplate, message)
}

const keywordsTemplate = `<user_request>%s</user_request> Extract the keywords from user_request Respond in the format <keywords>KEYWORDS</keywords>`

// Keywords returns the prompt that pulls search keywords out of message.
// The reply carries them inside a <keywords> tag.
func Keywords(message string) string {
	return fmt.Sprintf(keywordsTemplate, message)
}

const commandTemplate = `<user_request>%s</user_request> Based on the user_request description, form a single Linux command for the terminal. Respond in the format <command>COMMAND</command>`

// Command returns the prompt that turns a description into one shell
// command, delivered inside a <command> tag.
func Command(description string) string {
	return fmt.Sprintf(commandTemplate, description)
}
