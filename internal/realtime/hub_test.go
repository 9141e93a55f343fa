package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShouldSend_Filters(t *testing.T) {
	h := NewHub(testLogger())
	event := &Event{Type: EventBalance, UserID: "u1"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, true},
		{"matching type", Subscription{EventTypes: []EventType{EventBalance}}, true},
		{"other type", Subscription{EventTypes: []EventType{EventOrder}}, false},
		{"matching user", Subscription{UserIDs: []string{"u1"}}, true},
		{"other user", Subscription{UserIDs: []string{"u2"}}, false},
		{"type and user both match", Subscription{EventTypes: []EventType{EventBalance}, UserIDs: []string{"u1"}}, true},
		{"type matches, user does not", Subscription{EventTypes: []EventType{EventBalance}, UserIDs: []string{"u2"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			if got := h.shouldSend(client, event); got != tt.want {
				t.Errorf("shouldSend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBalanceChanged_EnqueuesEvent(t *testing.T) {
	h := NewHub(testLogger())

	h.BalanceChanged("u1", decimal.RequireFromString("42.50"))

	select {
	case event := <-h.broadcast:
		if event.Type != EventBalance {
			t.Errorf("event type = %s, want %s", event.Type, EventBalance)
		}
		if event.UserID != "u1" {
			t.Errorf("event user = %s, want u1", event.UserID)
		}
		data, ok := event.Data.(BalanceData)
		if !ok {
			t.Fatalf("unexpected data type %T", event.Data)
		}
		if data.Balance != "42.50" {
			t.Errorf("balance = %s, want 42.50", data.Balance)
		}
	default:
		t.Fatal("no event enqueued")
	}
}

func TestOrderUpdated_EnqueuesEvent(t *testing.T) {
	h := NewHub(testLogger())

	h.OrderUpdated("u1", "o1", "cancelled")

	select {
	case event := <-h.broadcast:
		data, ok := event.Data.(OrderData)
		if !ok {
			t.Fatalf("unexpected data type %T", event.Data)
		}
		if data.OrderID != "o1" || data.Status != "cancelled" {
			t.Errorf("data = %+v", data)
		}
	default:
		t.Fatal("no event enqueued")
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	h := NewHub(testLogger())
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Broadcast(&Event{Type: EventBalance, Timestamp: time.Now()})
	}
	if len(h.broadcast) != cap(h.broadcast) {
		t.Errorf("broadcast len = %d, want %d", len(h.broadcast), cap(h.broadcast))
	}
}
