package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boundary-soar/internal/playbook"
	"boundary-soar/internal/soar"

	"github.com/segmentio/kafka-go"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topics", func(c *Config) { c.EventsTopic, c.CommandsTopic = "", "" }, true},
		{"commands only", func(c *Config) { c.EventsTopic, c.ConsumerGroup = "", "" }, false},
		{"events without group", func(c *Config) { c.ConsumerGroup = "" }, true},
		{"bad protocol", func(c *Config) { c.SecurityProtocol = "HTTP" }, true},
		{"sasl without mechanism", func(c *Config) { c.SecurityProtocol = "SASL_SSL" }, true},
		{"sasl without password", func(c *Config) {
			c.SecurityProtocol, c.SASLMechanism, c.SASLUsername = "SASL_PLAINTEXT", "PLAIN", "soar"
		}, true},
		{"sasl scram", func(c *Config) {
			c.SecurityProtocol, c.SASLMechanism, c.SASLUsername, c.SASLPassword = "SASL_SSL", "SCRAM-SHA-512", "soar", "pw"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := map[string]kafka.Compression{
		"gzip": kafka.Gzip,
		"lz4":  kafka.Lz4,
		"zstd": kafka.Zstd,
		"none": 0,
		"":     0,
	}
	for in, want := range tests {
		if got := (Config{CompressionType: in}).compression(); got != want {
			t.Errorf("compression(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if d.TLS != nil || d.SASLMechanism != nil {
		t.Error("plaintext dialer should have no TLS or SASL")
	}

	cfg.SecurityProtocol, cfg.SASLMechanism, cfg.SASLUsername, cfg.SASLPassword = "SASL_SSL", "PLAIN", "soar", "pw"
	d, err = cfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if d.TLS == nil || d.SASLMechanism == nil {
		t.Error("SASL_SSL dialer should carry TLS and SASL")
	}
}

func TestDecodeTrigger(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantType   string
		wantForced string
		wantErr    bool
	}{
		{"bare event", `{"event_type":"malware_detected","host":"ws-1"}`, "malware_detected", "", false},
		{"wrapped", `{"event":{"event_type":"phishing"},"playbook_id":"pb-1"}`, "phishing", "pb-1", false},
		{"wrapped without id", `{"event":{"event_type":"phishing"}}`, "phishing", "", false},
		{"event field inside bare event", `{"event_type":"login","event":"failed"}`, "login", "", false},
		{"wrapped null", `{"event":null}`, "", "", true},
		{"not json", `event_type=x`, "", "", true},
		{"array", `[1,2]`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, forced, err := decodeTrigger([]byte(tt.value))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMessage) {
					t.Errorf("error = %v, want ErrInvalidMessage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeTrigger() error = %v", err)
			}
			if event.Type() != tt.wantType || forced != tt.wantForced {
				t.Errorf("decodeTrigger() = %s, %q", event.Type(), forced)
			}
		})
	}
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEngine) Trigger(_ context.Context, event playbook.Event, playbookID string) (*soar.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, event.Type()+"/"+playbookID)
	if f.err != nil {
		return nil, f.err
	}
	return &soar.Execution{ID: "exec-1", PlaybookID: "pb"}, nil
}

func TestTriggerHandler(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		engErr   error
		wantSkip bool
		wantErr  bool
	}{
		{"triggered", `{"event_type":"malware_detected"}`, nil, false, false},
		{"no match", `{"event_type":"noise"}`, soar.ErrNoMatchingPlaybook, true, false},
		{"invalid event", `{"host":"x"}`, soar.ErrInvalidEvent, true, false},
		{"unknown forced playbook", `{"event":{"event_type":"x"},"playbook_id":"nope"}`, playbook.ErrPlaybookNotFound, true, false},
		{"malformed", `{`, nil, true, false},
		{"capacity", `{"event_type":"malware_detected"}`, soar.ErrCapacityExceeded, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := TriggerHandler(&fakeEngine{err: tt.engErr}, nil)
			err := h(context.Background(), kafka.Message{Value: []byte(tt.value)})
			switch {
			case tt.wantSkip:
				if !errors.Is(err, ErrSkipMessage) {
					t.Errorf("error = %v, want ErrSkipMessage", err)
				}
			case tt.wantErr:
				if err == nil || errors.Is(err, ErrSkipMessage) {
					t.Errorf("error = %v, want a retryable error", err)
				}
			default:
				if err != nil {
					t.Errorf("error = %v", err)
				}
			}
		})
	}
}

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func waitForCommits(t *testing.T, reader *fakeReader, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("commits = %v, want %d", reader.commits(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumerCommitsHandledAndSkipped(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 4)}
	var mu sync.Mutex
	attempts := make(map[int64]int)
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		attempts[msg.Offset]++
		n := attempts[msg.Offset]
		mu.Unlock()
		switch {
		case msg.Offset == 1:
			return ErrSkipMessage
		case msg.Offset == 2 && n <= 3:
			return soar.ErrCapacityExceeded
		}
		return nil
	}
	c := NewConsumerWithReader(reader, handler, time.Second, nil)
	c.retryDelay = time.Millisecond

	for i := int64(0); i < 4; i++ {
		reader.msgs <- kafka.Message{Offset: i, Value: []byte("{}")}
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	waitForCommits(t, reader, 4)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	got := reader.commits()
	want := []int64{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("commits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("commits = %v, want %v", got, want)
			break
		}
	}
	mu.Lock()
	if attempts[2] != 4 {
		t.Errorf("attempts for offset 2 = %d, want 4", attempts[2])
	}
	mu.Unlock()
	if m := c.Metrics(); m.Messages != 4 || m.Skipped != 1 || m.Errors != 3 {
		t.Errorf("Metrics() = %+v", m)
	}
	if !reader.closed {
		t.Error("Stop() should close the reader")
	}
}

func TestConsumerHoldsFailingMessage(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	var mu sync.Mutex
	seen := make(map[int64]int)
	handler := func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		seen[msg.Offset]++
		mu.Unlock()
		if msg.Offset == 1 {
			return soar.ErrCapacityExceeded
		}
		return nil
	}
	c := NewConsumerWithReader(reader, handler, time.Second, nil)
	c.retryDelay = time.Millisecond

	for i := int64(0); i < 3; i++ {
		reader.msgs <- kafka.Message{Offset: i, Value: []byte("{}")}
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForCommits(t, reader, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := seen[1]
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offset 1 attempts = %d, want at least 5", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if got := reader.commits(); len(got) != 1 || got[0] != 0 {
		t.Errorf("commits = %v, want [0]", got)
	}
	mu.Lock()
	if seen[2] != 0 {
		t.Errorf("offset 2 handled %d times while offset 1 was failing", seen[2])
	}
	mu.Unlock()
	if m := c.Metrics(); m.Messages != 1 || m.Errors < 4 {
		t.Errorf("Metrics() = %+v", m)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducerConfig() Config {
	cfg := DefaultConfig()
	cfg.ProducerRetryBackoff = time.Millisecond
	return cfg
}

func TestProducerRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{errs: []error{errors.New("broker not available"), errors.New("broker not available")}}
	p := NewProducerWithWriter(w, testProducerConfig(), nil)

	if err := p.ProduceJSON(context.Background(), "contain", map[string]string{"target": "ws-1"}); err != nil {
		t.Fatalf("ProduceJSON() error = %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "contain" || string(w.msgs[0].Value) != `{"target":"ws-1"}` {
		t.Errorf("written = %+v", w.msgs)
	}
	if m := p.Metrics(); m.Messages != 1 || m.Retries != 2 || m.Errors != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestProducerStopsOnNonRetryable(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.TopicAuthorizationFailed}}
	p := NewProducerWithWriter(w, testProducerConfig(), nil)

	err := p.ProduceJSON(context.Background(), "block", map[string]string{})
	if !errors.Is(err, kafka.TopicAuthorizationFailed) {
		t.Fatalf("error = %v, want TopicAuthorizationFailed", err)
	}
	if m := p.Metrics(); m.Retries != 0 {
		t.Errorf("retried %d times, want 0", m.Retries)
	}
}

func TestProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, testProducerConfig(), nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("Close() should close the writer")
	}
	if err := p.ProduceJSON(context.Background(), "k", 1); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("ProduceJSON() after Close() error = %v", err)
	}
	if err := p.ProduceJSON(context.Background(), "k", make(chan int)); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("closed check should precede encoding, got %v", err)
	}
}
