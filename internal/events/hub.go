// Package events fans committed order and payout changes out to websocket
// subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// TopicAll receives every event.
const TopicAll = "all"

var (
	_ order.Notifier  = (*Hub)(nil)
	_ payout.Notifier = (*Hub)(nil)
)

// Event is an encoded message routed to one or more topics.
type Event struct {
	Type    string
	Topics  []string
	Payload []byte
}

// Hub keeps subscribers per topic and broadcasts events to them.
type Hub struct {
	lg *zap.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan Event
	done       chan struct{}

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub creates a Hub. Call Run to start delivering.
func NewHub(lg *zap.Logger) *Hub {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Hub{
		lg:         lg,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
	}
}

// Run delivers events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for topic, clients := range h.rooms {
				for c := range clients {
					close(c.send)
				}
				delete(h.rooms, topic)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.rooms[c.topic] == nil {
				h.rooms[c.topic] = make(map[*Client]struct{})
			}
			h.rooms[c.topic][c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for _, topic := range ev.Topics {
				for c := range h.rooms[topic] {
					select {
					case c.send <- ev.Payload:
					default:
						// Slow consumer.
						h.remove(c)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops c from its room. Callers hold mu.
func (h *Hub) remove(c *Client) {
	clients, ok := h.rooms[c.topic]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.rooms, c.topic)
	}
}

// Subscribers returns the number of clients listening on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Publish queues ev for delivery. Events are dropped when the queue is full
// so that a slow hub never blocks a state transition.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.lg.Warn("Event dropped", zap.String("type", ev.Type))
	}
}

// OrderChanged publishes an order status event to the order, its chef, its
// customer and its courier.
func (h *Hub) OrderChanged(_ context.Context, o order.Order) {
	topics := []string{TopicAll, "order:" + o.ID, "chef:" + o.ChefID, "customer:" + o.CustomerID}
	if o.CourierID != "" {
		topics = append(topics, "delivery:"+o.CourierID)
	}
	h.Publish(Event{Type: "order.status", Topics: topics, Payload: encodeOrder(o)})
}

// PayoutChanged publishes a payout status event to the payout and its
// recipient.
func (h *Hub) PayoutChanged(_ context.Context, rec payout.Record) {
	topics := []string{TopicAll, "payout:" + rec.ID, string(rec.RecipientType) + ":" + rec.RecipientID}
	h.Publish(Event{Type: "payout.status", Topics: topics, Payload: encodePayout(rec)})
}

func encodeOrder(o order.Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str("order.status")
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("chef_id")
	e.Str(o.ChefID)
	if o.CourierID != "" {
		e.FieldStart("courier_id")
		e.Str(o.CourierID)
	}
	e.FieldStart("cancellation_deadline")
	e.Str(o.CancellationDeadline.Format(time.RFC3339Nano))
	if o.Refund > 0 {
		e.FieldStart("refund")
		e.Int64(int64(o.Refund))
	}
	e.FieldStart("updated_at")
	e.Str(o.UpdatedAt.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func encodePayout(rec payout.Record) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str("payout.status")
	e.FieldStart("payout_id")
	e.Str(rec.ID)
	e.FieldStart("recipient_id")
	e.Str(rec.RecipientID)
	e.FieldStart("recipient_type")
	e.Str(string(rec.RecipientType))
	e.FieldStart("status")
	e.Str(string(rec.Status))
	e.FieldStart("net_amount")
	e.Int64(int64(rec.NetAmount))
	if rec.FailureReason != "" {
		e.FieldStart("failure_reason")
		e.Str(rec.FailureReason)
	}
	e.FieldStart("updated_at")
	e.Str(rec.UpdatedAt.Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}
