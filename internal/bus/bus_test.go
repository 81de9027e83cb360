package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	env := &models.Envelope{Fabric: "cli", Conversation: "c1", Content: "hello"}
	if err := b.PublishInbound(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Content != "hello" || got.Fabric != "cli" {
		t.Errorf("unexpected envelope: %+v", got)
	}
}

func TestPublishInboundBackpressure(t *testing.T) {
	b := New(Config{InboundSize: 1, PublishTimeout: 20 * time.Millisecond})
	defer b.Close()

	ctx := context.Background()
	if err := b.PublishInbound(ctx, &models.Envelope{Fabric: "cli", Conversation: "x"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := b.PublishInbound(ctx, &models.Envelope{Fabric: "cli", Conversation: "y"})
	if err != ErrPublishTimeout {
		t.Errorf("expected ErrPublishTimeout, got %v", err)
	}
}

func TestOutboundFanOutByFabric(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	telegram := b.SubscribeOutbound("telegram")
	discord := b.SubscribeOutbound("discord")

	out := &models.Outbound{Fabric: "telegram", Conversation: "c", Content: "reply"}
	if err := b.PublishOutbound(context.Background(), out); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-telegram:
		if got.Content != "reply" {
			t.Errorf("unexpected content: %q", got.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("telegram subscriber did not receive")
	}

	select {
	case got := <-discord:
		t.Errorf("discord subscriber should not receive, got %+v", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConsumeInboundCancel(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ConsumeInbound(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPerPublisherOrdering(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		env := &models.Envelope{Fabric: "cli", Conversation: "c", Content: string(rune('a' + i))}
		if err := b.PublishInbound(ctx, env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		got, err := b.ConsumeInbound(ctx)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if want := string(rune('a' + i)); got.Content != want {
			t.Errorf("position %d: got %q want %q", i, got.Content, want)
		}
	}
}

func TestCloseDuringPublishInbound(t *testing.T) {
	b := New(Config{InboundSize: 1, PublishTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	if err := b.PublishInbound(ctx, &models.Envelope{Fabric: "cli", Conversation: "queued"}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	// Publishers block on the full queue while Close runs concurrently.
	// Every publish must resolve to nil, ErrClosed, or ErrPublishTimeout;
	// a send on the closed channel would panic the whole test binary.
	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.PublishInbound(ctx, &models.Envelope{Fabric: "cli", Conversation: "racing"})
		}()
	}
	time.Sleep(5 * time.Millisecond)
	b.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != ErrClosed && err != ErrPublishTimeout {
			t.Errorf("unexpected publish error: %v", err)
		}
	}

	// The envelope queued before Close stays consumable.
	got, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatalf("drain after close: %v", err)
	}
	if got.Conversation != "queued" {
		t.Errorf("drained %q, want the pre-close envelope", got.Conversation)
	}
}

func TestCloseDuringPublishOutbound(t *testing.T) {
	b := New(Config{OutboundSize: 1, PublishTimeout: 50 * time.Millisecond})

	ch := b.SubscribeOutbound("telegram")
	ctx := context.Background()
	if err := b.PublishOutbound(ctx, &models.Outbound{Fabric: "telegram", Content: "queued"}); err != nil {
		t.Fatalf("fill subscriber queue: %v", err)
	}

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.PublishOutbound(ctx, &models.Outbound{Fabric: "telegram", Content: "racing"})
		}()
	}
	time.Sleep(5 * time.Millisecond)
	b.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && err != ErrClosed && err != ErrPublishTimeout {
			t.Errorf("unexpected publish error: %v", err)
		}
	}

	if got := <-ch; got == nil || got.Content != "queued" {
		t.Errorf("subscriber drained %+v, want the pre-close envelope", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := New(DefaultConfig())
	b.Close()
	b.Close()
	if err := b.PublishInbound(context.Background(), &models.Envelope{Fabric: "cli"}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
