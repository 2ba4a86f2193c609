package signal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mnemon/internal/session"
)

// Dispatcher accepts inbound messages. *session.Dispatcher implements it.
type Dispatcher interface {
	Submit(sessionID, text string, reply session.ReplyFunc) error
}

// sendTimeout bounds delivery of one reply, including every chunk.
const sendTimeout = 30 * time.Second

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client     *Client
	Dispatcher Dispatcher
	Logger     *slog.Logger
	RateLimit  int // per sender per minute; 0 = unlimited
}

// Bridge feeds Signal direct messages to the dispatcher, one session
// per sender, and sends the replies back. Envelope filtering happens in
// the Client; the bridge adds per-sender rate limiting.
type Bridge struct {
	client     *Client
	dispatcher Dispatcher
	logger     *slog.Logger
	rateLimit  int

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:      cfg.Client,
		dispatcher:  cfg.Dispatcher,
		logger:      logger,
		rateLimit:   cfg.RateLimit,
		senderTimes: make(map[string][]time.Time),
	}
}

// SessionID returns the dispatcher session for a Signal sender.
func SessionID(sender string) string {
	return "signal:" + sender
}

// Start receives messages until ctx is cancelled or signal-cli exits.
// It never waits on a turn; replies are sent from the session worker.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("signal bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return
		case msg, ok := <-b.client.Messages():
			if !ok {
				b.logger.Info("signal message channel closed, bridge stopping")
				return
			}
			b.receive(ctx, msg)
		}
	}
}

func (b *Bridge) receive(ctx context.Context, msg Inbound) {
	if !b.allowSender(msg.Sender) {
		b.logger.Warn("signal message rate-limited", "sender", msg.Sender)
		return
	}

	b.logger.Info("signal message received",
		"sender", msg.Sender,
		"name", msg.Name,
		"message_len", len(msg.Text),
	)

	// A failed receipt or typing indicator does not stop the turn.
	if err := b.client.Acknowledge(ctx, msg); err != nil {
		b.logger.Debug("signal acknowledge failed", "sender", msg.Sender, "error", err)
	}

	// Empty text is submitted too; the dispatcher answers it as not
	// understood.
	sender := msg.Sender
	err := b.dispatcher.Submit(SessionID(sender), msg.Text, func(reply string) {
		b.reply(ctx, sender, reply)
	})
	if err != nil {
		b.logger.Error("signal message not dispatched", "sender", sender, "error", err)
	}
}

// reply sends the turn's answer. Cancellation of the bridge context is
// ignored so turns drained during shutdown still answer.
func (b *Bridge) reply(ctx context.Context, sender, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if err := b.client.Reply(ctx, sender, text); err != nil {
		b.logger.Error("signal reply send failed", "sender", sender, "error", err)
		return
	}
	if text != "" {
		b.logger.Info("signal reply sent", "sender", sender, "response_len", len(text))
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID string) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
