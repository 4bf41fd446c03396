package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeOutboxStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*RoomEvent
}

func newFakeOutboxStore(events ...RoomEvent) *fakeOutboxStore {
	s := &fakeOutboxStore{events: map[uuid.UUID]*RoomEvent{}}
	for i := range events {
		e := events[i]
		s.events[e.ID] = &e
	}
	return s
}

func (s *fakeOutboxStore) FetchByID(ctx context.Context, id uuid.UUID) (*RoomEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return nil, errors.New("event not found")
	}
	copied := *event
	return &copied, nil
}

func (s *fakeOutboxStore) FetchUnsent(ctx context.Context, limit int) ([]RoomEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unsent []RoomEvent
	for _, e := range s.events {
		if e.SentAt == nil && len(unsent) < limit {
			unsent = append(unsent, *e)
		}
	}
	return unsent, nil
}

func (s *fakeOutboxStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return errors.New("event not found")
	}
	event.SentAt = &now
	return nil
}

func (s *fakeOutboxStore) sent(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id].SentAt != nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []RoomEvent
	failures  int
}

func (p *fakePublisher) Publish(ctx context.Context, event RoomEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func testListener(store Store, publisher Publisher) *Listener {
	cfg := DefaultListenerConfig()
	cfg.RetryDelay = time.Millisecond
	return &Listener{store: store, publisher: publisher, cfg: cfg}
}

func unsentEvent() RoomEvent {
	return RoomEvent{
		ID:        uuid.New(),
		RoomID:    uuid.New(),
		EventType: EventRoomStateChanged,
		CreatedAt: time.Now().UTC(),
	}
}

func TestNotificationPublishesAndMarksSent(t *testing.T) {
	event := unsentEvent()
	store := newFakeOutboxStore(event)
	publisher := &fakePublisher{}
	l := testListener(store, publisher)

	if err := l.handleNotification(context.Background(), event.ID.String()); err != nil {
		t.Fatalf("handleNotification: %v", err)
	}
	if publisher.count() != 1 {
		t.Errorf("published %d events, want 1", publisher.count())
	}
	if !store.sent(event.ID) {
		t.Error("event not marked sent")
	}
}

func TestNotificationSkipsAlreadySentEvent(t *testing.T) {
	event := unsentEvent()
	now := time.Now().UTC()
	event.SentAt = &now
	store := newFakeOutboxStore(event)
	publisher := &fakePublisher{}
	l := testListener(store, publisher)

	if err := l.handleNotification(context.Background(), event.ID.String()); err != nil {
		t.Fatalf("handleNotification: %v", err)
	}
	if publisher.count() != 0 {
		t.Errorf("published %d events, want 0", publisher.count())
	}
}

func TestNotificationRejectsMalformedPayload(t *testing.T) {
	l := testListener(newFakeOutboxStore(), &fakePublisher{})
	if err := l.handleNotification(context.Background(), "not-a-uuid"); err == nil {
		t.Fatal("expected error for malformed notification payload")
	}
}

func TestPublishRetriesUntilBrokerRecovers(t *testing.T) {
	event := unsentEvent()
	store := newFakeOutboxStore(event)
	publisher := &fakePublisher{failures: 2}
	l := testListener(store, publisher)

	if err := l.publishWithRetry(context.Background(), event); err != nil {
		t.Fatalf("publishWithRetry: %v", err)
	}
	if !store.sent(event.ID) {
		t.Error("event not marked sent after recovery")
	}
}

func TestPublishGivesUpAfterMaxRetries(t *testing.T) {
	event := unsentEvent()
	store := newFakeOutboxStore(event)
	publisher := &fakePublisher{failures: 100}
	l := testListener(store, publisher)

	if err := l.publishWithRetry(context.Background(), event); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if store.sent(event.ID) {
		t.Error("failed event must stay unsent for the fallback poll")
	}
}

func TestFallbackDrainsUnsentBacklog(t *testing.T) {
	first := unsentEvent()
	second := unsentEvent()
	store := newFakeOutboxStore(first, second)
	publisher := &fakePublisher{}
	l := testListener(store, publisher)

	if err := l.processUnsent(context.Background()); err != nil {
		t.Fatalf("processUnsent: %v", err)
	}
	if publisher.count() != 2 {
		t.Errorf("published %d events, want 2", publisher.count())
	}
	if !store.sent(first.ID) || !store.sent(second.ID) {
		t.Error("backlog not fully marked sent")
	}
}
