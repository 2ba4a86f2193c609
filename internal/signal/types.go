// Package signal is the Signal chat transport. It drives signal-cli in
// JSON-RPC mode over stdin/stdout and hands each direct text message to
// the session dispatcher, one session per sender.
package signal

// Inbound is a direct message from one sender, reduced from a
// signal-cli envelope. Text is empty for data messages that carry no
// text, such as a bare attachment or a reaction.
type Inbound struct {
	Sender    string
	Name      string
	Timestamp int64 // sent time of the data message, used for read receipts
	Text      string
}

// Envelope is the structure signal-cli pushes for each received event.
// Only the fields the client routes on are declared.
type Envelope struct {
	Source      string       `json:"source"`
	SourceName  string       `json:"sourceName"`
	Timestamp   int64        `json:"timestamp"`
	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a normal text or media message.
type DataMessage struct {
	Timestamp int64      `json:"timestamp"`
	Message   string     `json:"message"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// receiveNotification is the params object of a "receive" notification.
type receiveNotification struct {
	Envelope Envelope `json:"envelope"`
}

// sendResult is the result of a successful "send" call.
type sendResult struct {
	Timestamp int64 `json:"timestamp"`
}
