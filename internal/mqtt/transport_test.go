package mqtt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mnemon/internal/config"
	"github.com/nugget/mnemon/internal/session"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	submits []string
	reply   string
	err     error
}

func (d *fakeDispatcher) Submit(sessionID, text string, reply session.ReplyFunc) error {
	d.mu.Lock()
	d.submits = append(d.submits, sessionID+"|"+text)
	d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	reply(d.reply)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*paho.Publish
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, pub *paho.Publish) (*paho.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, pub)
	return &paho.PublishResponse{}, p.err
}

func newTestTransport(t *testing.T, d *fakeDispatcher, rateLimit int) (*Transport, *fakePublisher) {
	t.Helper()
	tr := New(config.MQTTConfig{TopicPrefix: "mnemon", RateLimit: rateLimit}, d,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	pub := &fakePublisher{}
	tr.pub = pub
	return tr, pub
}

func TestHandle_RoundTrip(t *testing.T) {
	d := &fakeDispatcher{reply: "Information saved."}
	tr, pub := newTestTransport(t, d, 0)

	tr.handle(context.Background(), "mnemon/kitchen/in", []byte("the door code is 4321"))

	if len(d.submits) != 1 || d.submits[0] != "mqtt:kitchen|the door code is 4321" {
		t.Errorf("submits = %q", d.submits)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages", len(pub.published))
	}
	p := pub.published[0]
	if p.Topic != "mnemon/kitchen/out" || string(p.Payload) != "Information saved." || p.QoS != 1 {
		t.Errorf("published %s %q qos=%d", p.Topic, p.Payload, p.QoS)
	}
}

func TestHandle_JSONPayload(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	tr, _ := newTestTransport(t, d, 0)

	tr.handle(context.Background(), "mnemon/phone/in", []byte(`{"text":"what is the door code?","from":"bob"}`))
	tr.handle(context.Background(), "mnemon/phone/in", []byte(`{"from":"bob"}`))

	want := []string{"mqtt:phone|what is the door code?", "mqtt:phone|"}
	if strings.Join(d.submits, ",") != strings.Join(want, ",") {
		t.Errorf("submits = %q, want %q", d.submits, want)
	}
}

func TestHandle_IgnoresOtherTopics(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	tr, pub := newTestTransport(t, d, 0)

	for _, topic := range []string{"mnemon/kitchen/out", "other/kitchen/in", "mnemon/a/b/in", "mnemon//in"} {
		tr.handle(context.Background(), topic, []byte("hello"))
	}
	if len(d.submits) != 0 || len(pub.published) != 0 {
		t.Errorf("submits = %q published = %d", d.submits, len(pub.published))
	}
}

func TestHandle_DispatchError(t *testing.T) {
	d := &fakeDispatcher{err: session.ErrClosed}
	tr, pub := newTestTransport(t, d, 0)

	tr.handle(context.Background(), "mnemon/kitchen/in", []byte("hello"))
	if len(pub.published) != 0 {
		t.Error("nothing should be published for a rejected message")
	}
}

func TestHandle_PublishErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	d := &fakeDispatcher{reply: "ok"}
	tr := New(config.MQTTConfig{TopicPrefix: "mnemon"}, d, slog.New(slog.NewTextHandler(&buf, nil)))
	tr.pub = &fakePublisher{err: errors.New("not connected")}

	tr.handle(context.Background(), "mnemon/kitchen/in", []byte("hello"))
	if !strings.Contains(buf.String(), "mqtt reply publish failed") {
		t.Errorf("log = %s", buf.String())
	}
}

func TestHandle_RateLimit(t *testing.T) {
	d := &fakeDispatcher{reply: "ok"}
	tr, _ := newTestTransport(t, d, 2)

	for range 5 {
		tr.handle(context.Background(), "mnemon/kitchen/in", []byte("spam"))
	}
	if len(d.submits) != 2 {
		t.Errorf("submits = %d, want 2", len(d.submits))
	}

	tr.limiter.reset()
	tr.handle(context.Background(), "mnemon/kitchen/in", []byte("later"))
	if len(d.submits) != 3 {
		t.Errorf("submits after reset = %d, want 3", len(d.submits))
	}
}

func TestParseChatID(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"mnemon/kitchen/in", "kitchen", true},
		{"mnemon/+15551234567/in", "+15551234567", true},
		{"mnemon/kitchen/out", "", false},
		{"mnemon/in", "", false},
		{"mnemon//in", "", false},
		{"mnemon/a/b/in", "", false},
		{"mnemonx/a/in", "", false},
	}
	for _, tt := range tests {
		got, ok := parseChatID("mnemon", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseChatID(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{"plain text", "plain text"},
		{`{"text":"hi"}`, "hi"},
		{`{"text":""}`, ""},
		{`{"other":1}`, ""},
		{`"a json string"`, `"a json string"`},
		{`[1,2]`, `[1,2]`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := messageText([]byte(tt.payload)); got != tt.want {
			t.Errorf("messageText(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestTopics(t *testing.T) {
	tr := New(config.MQTTConfig{TopicPrefix: "home/mnemon", ClientID: "fixed"}, nil, nil)
	if tr.inboundFilter() != "home/mnemon/+/in" {
		t.Errorf("filter = %q", tr.inboundFilter())
	}
	if tr.outTopic("x") != "home/mnemon/x/out" {
		t.Errorf("out = %q", tr.outTopic("x"))
	}
	if tr.availabilityTopic() != "home/mnemon/availability" {
		t.Errorf("availability = %q", tr.availabilityTopic())
	}
	if tr.clientID() != "fixed" {
		t.Errorf("clientID = %q", tr.clientID())
	}
	generated := New(config.MQTTConfig{}, nil, nil).clientID()
	if !strings.HasPrefix(generated, "mnemon-") || len(generated) != len("mnemon-")+8 {
		t.Errorf("generated clientID = %q", generated)
	}
}

func TestAwaitConnection_NotStarted(t *testing.T) {
	tr := New(config.MQTTConfig{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.AwaitConnection(ctx); err == nil {
		t.Error("expected error before Start")
	}
	if err := tr.Stop(ctx); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
}

func TestMessageRateLimiter_LogsDrops(t *testing.T) {
	var buf bytes.Buffer
	r := newMessageRateLimiter(1, time.Minute, slog.New(slog.NewTextHandler(&buf, nil)))
	r.allow()
	r.allow()
	r.reset()
	if !strings.Contains(buf.String(), "dropped=1") {
		t.Errorf("log = %s", buf.String())
	}
}
