// Package intent maps free text to typed decisions using the completion
// service as an oracle. Every parser here is total: an unparseable reply
// degrades to the least destructive choice instead of failing the turn.
package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/nugget/mnemon/internal/llm"
	"github.com/nugget/mnemon/internal/prompts"
)

// Intent is the classified purpose of a user message.
type Intent int

// Intents, numbered as the classification prompt numbers them.
const (
	Other Intent = iota
	Question
	Fact
	ForgetRequest
	CommandRequest
)

func (i Intent) String() string {
	switch i {
	case Question:
		return "question"
	case Fact:
		return "fact"
	case ForgetRequest:
		return "forget"
	case CommandRequest:
		return "command"
	default:
		return "other"
	}
}

// Reply is the classified answer to a "Run command?" proposal.
type Reply int

// Replies to a command proposal.
const (
	Refuse Reply = iota
	Affirm
	Refine
)

func (r Reply) String() string {
	switch r {
	case Affirm:
		return "affirm"
	case Refine:
		return "refine"
	default:
		return "refuse"
	}
}

// RefineMinLen is the byte length above which a non-affirmative reply
// to a command proposal counts as a correction rather than a refusal.
// "no", "nope", "cancel" and "stop it" are all at or under it.
const RefineMinLen = 7

// commandCondition is what a reply must contain to run a proposed
// command.
const commandCondition = "yes"

var numberRe = regexp.MustCompile(`\d+`)

// ExtractNumber returns the first maximal run of digits in text, or ""
// when there is none.
func ExtractNumber(text string) string {
	return numberRe.FindString(text)
}

// ExtractTag returns the content of the first <tag>...</tag> span in
// text, matched case-insensitively and non-greedily, or "" when absent.
// The span may cross lines.
func ExtractTag(text, tag string) string {
	t := regexp.QuoteMeta(tag)
	re, err := regexp.Compile(`(?is)<` + t + `>(.*?)</` + t + `>`)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ParseIntent maps an oracle reply to an Intent by its first number.
// Anything other than 1 through 4 is Other.
func ParseIntent(reply string) Intent {
	n, err := strconv.Atoi(ExtractNumber(reply))
	if err != nil {
		return Other
	}
	switch Intent(n) {
	case Question, Fact, ForgetRequest, CommandRequest:
		return Intent(n)
	default:
		return Other
	}
}

// ParseReply turns the affirmative verdict on userReply into a Reply.
// A reply that is not affirmative refines the proposal when it is
// longer than RefineMinLen bytes and refuses it otherwise.
func ParseReply(affirmative bool, userReply string) Reply {
	switch {
	case affirmative:
		return Affirm
	case len(userReply) > RefineMinLen:
		return Refine
	default:
		return Refuse
	}
}

// IsYes reports whether an oracle reply contains "yes", ignoring case.
func IsYes(reply string) bool {
	return strings.Contains(strings.ToLower(reply), "yes")
}

// Classifier asks the completion service to make decisions about user
// text.
type Classifier struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewClassifier creates a Classifier over client.
func NewClassifier(client llm.Client, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: client, logger: logger}
}

func (c *Classifier) ask(ctx context.Context, user string) (string, error) {
	return c.llm.Complete(ctx, prompts.ShortAnswerSystem, user)
}

// Classify returns the intent of message. Only a failed completion call
// is an error; a malformed reply is Other.
func (c *Classifier) Classify(ctx context.Context, message string) (Intent, error) {
	reply, err := c.ask(ctx, prompts.Intent(message))
	if err != nil {
		return Other, err
	}
	in := ParseIntent(reply)
	c.logger.Debug("message classified", "intent", in, "reply", reply)
	return in, nil
}

// ExtractKeywords returns search keywords for message. When the reply
// carries no <keywords> tag the whole message is used.
func (c *Classifier) ExtractKeywords(ctx context.Context, message string) (string, error) {
	reply, err := c.ask(ctx, prompts.Keywords(message))
	if err != nil {
		return "", err
	}
	kw := strings.TrimSpace(ExtractTag(reply, "keywords"))
	if kw == "" {
		c.logger.Debug("no keywords tag in reply, searching with message", "reply", reply)
		return message, nil
	}
	return kw, nil
}

// ProposeCommand returns one shell command for description. It is empty
// when the reply carries no <command> tag.
func (c *Classifier) ProposeCommand(ctx context.Context, description string) (string, error) {
	reply, err := c.ask(ctx, prompts.Command(description))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(ExtractTag(reply, "command")), nil
}

// IsAffirmative reports whether message expresses condition, such as
// "consent".
func (c *Classifier) IsAffirmative(ctx context.Context, message, condition string) (bool, error) {
	reply, err := c.ask(ctx, prompts.Condition(message, condition))
	if err != nil {
		return false, err
	}
	return IsYes(reply), nil
}

// ClassifyReply decides whether reply agrees to run command, refuses
// it, or describes a different command. Only agreement is asked of the
// completion service; the rest is decided by ParseReply.
func (c *Classifier) ClassifyReply(ctx context.Context, command, reply string) (Reply, error) {
	ok, err := c.IsAffirmative(ctx, reply, commandCondition)
	if err != nil {
		return Refuse, err
	}
	r := ParseReply(ok, reply)
	c.logger.Debug("command reply classified", "command", command, "reply_kind", r)
	return r, nil
}
