package event

import "testing"

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(ConversationsUpdated{IDs: []string{"c1"}})

	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		select {
		case e := <-ch:
			upd, ok := e.(ConversationsUpdated)
			if !ok || len(upd.IDs) != 1 || upd.IDs[0] != "c1" {
				t.Errorf("subscriber %s: unexpected event %+v", name, e)
			}
		default:
			t.Errorf("subscriber %s: expected a delivered event", name)
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	slow := b.Subscribe()

	// Overflow the subscriber buffer; the publisher must not stall.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(LoadDidTimeout{})
	}

	delivered := 0
	for {
		select {
		case <-slow:
			delivered++
			continue
		default:
		}
		break
	}
	if delivered != subscriberBuffer {
		t.Errorf("delivered = %d, want the buffer depth %d", delivered, subscriberBuffer)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	// Must be a harmless no-op.
	b.Publish(ServerUnreachable{})
	b.Publish(SessionRevoked{UserID: "user1"})
}
