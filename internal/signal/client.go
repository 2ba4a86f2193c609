package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mnemon/internal/config"
)

// messageBuffer is how many direct messages may wait for the bridge
// before new ones are dropped.
const messageBuffer = 256

// maxMessageRunes is the longest reply sent as a single Signal message.
// Longer replies, typically command output, are split on line breaks.
const maxMessageRunes = 2000

// stopGrace is how long Close waits for signal-cli to exit on its own.
const stopGrace = 5 * time.Second

// errExited is returned by calls that were outstanding, or issued, after
// signal-cli stopped producing output.
var errExited = errors.New("signal-cli subprocess exited")

// rpcFrame is one JSON-RPC 2.0 line in either direction. Requests carry
// an ID, Method and Params; responses carry the ID with Result or Error;
// notifications carry Method and Params without an ID.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// Client drives a signal-cli process in jsonRpc mode. It reduces
// received envelopes to direct messages on Messages and offers the
// three things a chat turn needs back: acknowledge, reply and ping.
type Client struct {
	command string
	args    []string
	account string
	logger  *slog.Logger

	cmd     *exec.Cmd
	waitErr chan error // cmd.Wait result, delivered once

	writeMu sync.Mutex // serializes request lines on stdin
	stdin   io.WriteCloser

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcFrame

	messages chan Inbound
	done     chan struct{} // closed when the read loop exits
}

// NewClient creates a client for cfg.Account. Global signal-cli options
// from cfg.Args go before the account and the jsonRpc subcommand. Call
// Start to launch the subprocess.
func NewClient(cfg config.SignalConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]string{}, cfg.Args...)
	args = append(args, "-a", cfg.Account, "jsonRpc")
	return &Client{
		command:  cfg.Command,
		args:     args,
		account:  cfg.Account,
		logger:   logger,
		waitErr:  make(chan error, 1),
		pending:  make(map[int64]chan rpcFrame),
		messages: make(chan Inbound, messageBuffer),
		done:     make(chan struct{}),
	}
}

// Account returns the phone number the client sends as.
func (c *Client) Account() string { return c.account }

// Start launches the signal-cli subprocess. Must be called exactly once.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting signal-cli", "command", c.command, "account", c.account)

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	c.cmd = cmd
	go c.logStderr(stderr)
	c.attach(stdin, stdout)
	go func() {
		err := cmd.Wait()
		c.logger.Info("signal-cli subprocess exited", "error", err)
		c.waitErr <- err
	}()

	c.logger.Info("signal-cli started", "pid", cmd.Process.Pid)
	return nil
}

// attach connects the client to signal-cli's stdin and stdout and starts
// routing its output.
func (c *Client) attach(stdin io.WriteCloser, stdout io.Reader) {
	c.stdin = stdin
	go c.readLoop(bufio.NewReaderSize(stdout, 1<<20))
}

// Messages returns the direct messages received from signal-cli. The
// channel is closed when signal-cli's output ends.
func (c *Client) Messages() <-chan Inbound {
	return c.messages
}

// Acknowledge marks msg as read and starts the typing indicator for the
// turn that follows. Both are best effort: every failure is joined into
// the returned error and neither stops the other.
func (c *Client) Acknowledge(ctx context.Context, msg Inbound) error {
	var errs []error
	_, err := c.call(ctx, "sendReceipt", map[string]any{
		"recipient":       msg.Sender,
		"targetTimestamp": msg.Timestamp,
		"type":            "read",
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("sendReceipt: %w", err))
	}
	if _, err := c.call(ctx, "sendTyping", map[string]any{"recipient": msg.Sender}); err != nil {
		errs = append(errs, fmt.Errorf("sendTyping: %w", err))
	}
	return errors.Join(errs...)
}

// Reply stops the typing indicator and sends text to recipient, split
// into messages of at most maxMessageRunes. An empty text only stops
// the indicator. Sending stops at the first failed chunk.
func (c *Client) Reply(ctx context.Context, recipient, text string) error {
	_, err := c.call(ctx, "sendTyping", map[string]any{"recipient": recipient, "stop": true})
	if err != nil {
		c.logger.Debug("signal typing stop failed", "recipient", recipient, "error", err)
	}
	if text == "" {
		return nil
	}
	for i, chunk := range splitMessage(text, maxMessageRunes) {
		raw, err := c.call(ctx, "send", map[string]any{
			"recipient": []string{recipient},
			"message":   chunk,
		})
		if err != nil {
			return fmt.Errorf("signal send chunk %d: %w", i, err)
		}
		var res sendResult
		if err := json.Unmarshal(raw, &res); err == nil {
			c.logger.Log(ctx, config.LevelTrace, "signal chunk sent", "recipient", recipient, "timestamp", res.Timestamp)
		}
	}
	return nil
}

// Ping checks that signal-cli answers a version request. It backs the
// signal entry of the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "version", nil)
	return err
}

// Close closes signal-cli's stdin and waits for it to exit, killing it
// after stopGrace.
func (c *Client) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	pid := c.cmd.Process.Pid
	c.logger.Info("stopping signal-cli subprocess", "pid", pid)
	c.stdin.Close()

	select {
	case err := <-c.waitErr:
		return err
	case <-time.After(stopGrace):
		c.logger.Warn("signal-cli did not exit gracefully, killing", "pid", pid)
		_ = c.cmd.Process.Kill()
		<-c.waitErr
		return nil
	}
}

// call writes one request and waits for the response with the same id.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	frame := rpcFrame{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame.Params = p
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan rpcFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer c.forget(id)

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write to signal-cli stdin: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, errExited
	}
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readLoop routes each output line until signal-cli's stdout ends.
func (c *Client) readLoop(r *bufio.Reader) {
	defer close(c.done)
	defer close(c.messages)

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.route(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("signal-cli read error", "error", err)
			}
			return
		}
	}
}

// route delivers a response to its caller and turns receive
// notifications into direct messages.
func (c *Client) route(line []byte) {
	var f rpcFrame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Debug("signal-cli non-JSON line", "line", string(line))
		return
	}

	switch {
	case f.ID != nil:
		c.pendingMu.Lock()
		ch, ok := c.pending[*f.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("signal-cli response for unknown id", "id", *f.ID)
			return
		}
		ch <- f
	case f.Method == "receive":
		var n receiveNotification
		if err := json.Unmarshal(f.Params, &n); err != nil {
			c.logger.Warn("signal-cli malformed receive notification", "error", err)
			return
		}
		msg, skip := directMessage(n.Envelope)
		if skip != "" {
			c.logger.Debug("signal envelope skipped", "reason", skip, "sender", n.Envelope.Source)
			return
		}
		select {
		case c.messages <- msg:
		default:
			c.logger.Warn("signal message channel full, dropping message", "sender", msg.Sender)
		}
	default:
		c.logger.Debug("signal-cli unhandled notification", "method", f.Method)
	}
}

// directMessage reduces env to a direct message, or names why it is not
// one. Receipts, typing and sync events have no data message; group
// traffic and envelopes without a sender are not conversations.
// A data message without text is still a direct message.
func directMessage(env Envelope) (Inbound, string) {
	dm := env.DataMessage
	switch {
	case dm == nil:
		return Inbound{}, "no data message"
	case env.Source == "":
		return Inbound{}, "no sender"
	case dm.GroupInfo != nil:
		return Inbound{}, "group message"
	}

	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	return Inbound{
		Sender:    env.Source,
		Name:      env.SourceName,
		Timestamp: ts,
		Text:      dm.Message,
	}, ""
}

// logStderr copies signal-cli's stderr into the debug log.
func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("signal-cli stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("signal-cli stderr scan error", "error", err)
	}
}

// splitMessage breaks s into pieces of at most limit runes, preferring
// to cut after a newline. Concatenating the pieces yields s.
func splitMessage(s string, limit int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > limit {
		cut := limit
		if i := lastNewline(runes[:limit]); i > 0 {
			cut = i + 1
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}
