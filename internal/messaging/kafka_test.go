package messaging

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/equipool/pkg/log"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	msgs     []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	msgs   chan kafka.Message
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func newTestClient(t *testing.T, encoding string) (*KafkaClient, map[string]*fakeWriter, *fakeReader) {
	t.Helper()
	codec, err := NewCodec(encoding)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	client := NewKafkaClient([]string{"localhost:9092"}, codec, log.Discard())
	client.retryConfig.BaseDelay = time.Millisecond
	client.retryConfig.MaxDelay = time.Millisecond

	writers := make(map[string]*fakeWriter)
	client.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}
	reader := &fakeReader{msgs: make(chan kafka.Message, 8)}
	client.newReader = func(string, string) messageReader { return reader }
	return client, writers, reader
}

func TestNewCodec(t *testing.T) {
	tests := []struct {
		encoding string
		want     string
		wantErr  bool
	}{
		{"", "json", false},
		{"json", "json", false},
		{"proto", "proto", false},
		{"avro", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			c, err := NewCodec(tt.encoding)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewCodec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c.Name() != tt.want {
				t.Errorf("Name() = %s, want %s", c.Name(), tt.want)
			}
		})
	}
}

func TestProtoCodec_BanMessage(t *testing.T) {
	codec, _ := NewCodec("proto")
	in := BanMessage{
		InstanceID: 7,
		IP:         "198.51.100.7",
		Reason:     "6 out of the last 10 shares were invalid",
		BannedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	var out BanMessage
	if err := codec.Decode(data, &out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}

	if _, err := codec.Encode([]int{1}); err == nil {
		t.Error("non object messages should be rejected")
	}
}

func TestKafkaClient_Publish(t *testing.T) {
	client, writers, _ := newTestClient(t, "json")
	msg := ShareMessage{Coin: "aion", Worker: "w1", Valid: true, Difficulty: 8}

	if err := client.Publish(context.Background(), TopicShares, "w1", msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := client.Publish(context.Background(), TopicShares, "w1", msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	w := writers[TopicShares]
	if len(writers) != 1 || len(w.msgs) != 2 {
		t.Fatalf("writers = %d, messages = %d", len(writers), len(w.msgs))
	}
	if string(w.msgs[0].Key) != "w1" {
		t.Errorf("key = %s", w.msgs[0].Key)
	}
	var got ShareMessage
	if err := client.Decode(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Worker != "w1" || !got.Valid || got.Difficulty != 8 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestKafkaClient_PublishRetries(t *testing.T) {
	client, writers, _ := newTestClient(t, "json")
	client.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{failures: 2}
		writers[topic] = w
		return w
	}

	if err := client.Publish(context.Background(), TopicBans, "ip", BanMessage{IP: "ip"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(writers[TopicBans].msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(writers[TopicBans].msgs))
	}
}

func TestKafkaClient_Consume(t *testing.T) {
	client, _, reader := newTestClient(t, "json")
	reader.msgs <- kafka.Message{Key: []byte("a"), Value: []byte(`{"ip":"203.0.113.1"}`)}
	reader.msgs <- kafka.Message{Key: []byte("b"), Value: []byte(`{"ip":"203.0.113.2"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := client.Consume(ctx, TopicBans, "workers", func(_ context.Context, key string, value []byte) error {
		var ban BanMessage
		if err := client.Decode(value, &ban); err != nil {
			return err
		}
		got = append(got, key+"="+ban.IP)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() error = %v, want context.Canceled", err)
	}
	if want := []string{"a=203.0.113.1", "b=203.0.113.2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("handled = %v, want %v", got, want)
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client, writers, reader := newTestClient(t, "json")
	_ = client.Publish(context.Background(), TopicBlocks, "h", BlockMessage{Height: 1})
	client.consumer(TopicBans, "g")

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !writers[TopicBlocks].closed || !reader.closed {
		t.Error("Close() should close writers and readers")
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Error("Close() should reset the connection maps")
	}
}
