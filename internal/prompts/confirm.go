package prompts

import "fmt"

const conditionTemplate = `<user_request>%s</user_request> Does user_request contain %s? Respond in the format <response>yes</response> or <response>no</response>`

// Condition returns a yes/no question asking whether message expresses
// condition (for example "consent").
func Condition(message, condition string) string {
	return fmt.Sprintf(conditionTemplate, message, condition)
}
