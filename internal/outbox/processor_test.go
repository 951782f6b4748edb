package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ShopAssist/internal/observability/alerting"
)

type fakeSender struct {
	sent     atomic.Int32
	failures atomic.Int32
	failN    int32
}

func (f *fakeSender) SendHTML(_ context.Context, to, subject, html string) error {
	if f.failures.Load() < f.failN {
		f.failures.Add(1)
		return errors.New("421 service not available")
	}
	f.sent.Add(1)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("条件未在超时前满足")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func startProcessor(t *testing.T, sender Sender, store Store, queue Queue, opts ...ProcessorOption) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	processor := NewProcessor(sender, store, queue, queue, opts...)
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestProcessorDeliversConcurrentMessages(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	sender := &fakeSender{}
	service := NewService(store, queue, 3)
	startProcessor(t, sender, store, queue, WithWorkerCount(4))

	total := 50
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), Request{
			ID:      fmt.Sprintf("m-%d", i),
			To:      "ada@example.com",
			Subject: "Your product",
			HTML:    "<p>hi</p>",
		}); err != nil {
			t.Fatalf("提交邮件失败: %v", err)
		}
	}
	waitFor(t, func() bool { return int(sender.sent.Load()) == total })

	msg, err := service.Get(context.Background(), "m-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	waitFor(t, func() bool {
		msg, _ = service.Get(context.Background(), "m-7")
		return msg.Status == StatusDelivered
	})
}

func TestProcessorRetriesThenAlerts(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	sender := &fakeSender{failN: 100}
	alerter := &recordingAlerter{}
	var outcomes sync.Map
	service := NewService(store, queue, 3)
	startProcessor(t, sender, store, queue,
		WithAlertDispatcher(alerter),
		WithRetryBackoff(time.Millisecond),
		WithDeliveryObserver(func(outcome string) {
			v, _ := outcomes.LoadOrStore(outcome, new(atomic.Int32))
			v.(*atomic.Int32).Add(1)
		}))

	if _, err := service.Submit(context.Background(), Request{ID: "m-1", To: "ada@example.com", Subject: "s", HTML: "<p>x</p>"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return alerter.count() == 1 })

	msg, err := store.Get(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.Status != StatusFailed || msg.Attempts != 3 {
		t.Fatalf("unexpected final state: %+v", msg)
	}
	if msg.ErrorCode != string(CodeDeliveryFailed) {
		t.Fatalf("unexpected error code %s", msg.ErrorCode)
	}
	retried, _ := outcomes.Load("retried")
	if retried.(*atomic.Int32).Load() != 2 {
		t.Fatalf("expected 2 retries, got %d", retried.(*atomic.Int32).Load())
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 3)
	req := Request{ID: "c-1/call-9", To: "ada@example.com", Subject: "s", HTML: "<p>x</p>"}

	first, err := service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("expected exactly one queued delivery, got %d", len(queue.ch))
	}
}

func TestServiceSubmitValidates(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	if _, err := service.Submit(context.Background(), Request{To: "not-an-address", Subject: "s", HTML: "x"}); err == nil {
		t.Fatal("expected invalid address error")
	}
	if _, err := service.Submit(context.Background(), Request{To: "ada@example.com"}); err == nil {
		t.Fatal("expected empty body error")
	}
}

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	p := NewProcessor(&fakeSender{}, NewMemoryStore(), nil, nil, WithRetryBackoff(time.Second))
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 20: maxRetryDelay}
	for attempts, want := range cases {
		if got := p.retryDelay(attempts); got != want {
			t.Fatalf("attempts=%d: expected %v, got %v", attempts, want, got)
		}
	}
}

func TestMemoryQueueDelayedPublish(t *testing.T) {
	queue := NewMemoryQueue(4)
	defer queue.Close()

	if err := queue.Publish(context.Background(), Delivery{MessageID: "m-1", Attempt: 2}, 20*time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(queue.ch) != 0 {
		t.Fatal("delayed delivery should not be visible yet")
	}
	waitFor(t, func() bool { return len(queue.ch) == 1 })
	d := <-queue.ch
	if d.MessageID != "m-1" || d.Attempt != 2 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestDecodeDeliveryAcceptsBareID(t *testing.T) {
	d, err := decodeDelivery([]byte("c-1/call-2"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.MessageID != "c-1/call-2" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	d, err = decodeDelivery([]byte(`{"message_id":"m-9","conversation_id":"c-1","attempt":3}`))
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if d.ConversationID != "c-1" || d.Attempt != 3 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}
