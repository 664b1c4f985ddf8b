package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/pricewatch/internal/model"
)

// ErrSubscriberUnreachable is reported by a Conn that can no longer be written to
var ErrSubscriberUnreachable = errors.New("subscriber unreachable")

// Conn is a live client connection owned by the transport layer
type Conn interface {
	ID() string
	Send(msg Message) error
}

// Config configures the hub
type Config struct {
	// Buffer is the number of messages queued per connection before new ones are dropped
	Buffer int
}

type client struct {
	conn     Conn
	out      chan Message
	products map[int64]struct{}
	done     chan struct{}
	once     sync.Once
	dropped  atomic.Int64
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub keeps the product subscriptions of live connections and pushes
// updates to them. Every connection has its own buffered writer, so a
// slow connection never blocks a publisher.
type Hub struct {
	logger *zap.Logger
	buffer int
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	subs    map[int64]map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a new hub
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Hub{
		logger:  logger.Named("fanout"),
		buffer:  cfg.Buffer,
		now:     func() time.Time { return time.Now().UTC() },
		clients: make(map[string]*client),
		subs:    make(map[int64]map[string]*client),
	}
}

// Subscribe adds product subscriptions for conn, registering it on first use
func (h *Hub) Subscribe(conn Conn, productIDs []int64) []int64 {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	c, ok := h.clients[conn.ID()]
	if !ok {
		c = &client{
			conn:     conn,
			out:      make(chan Message, h.buffer),
			products: make(map[int64]struct{}),
			done:     make(chan struct{}),
		}
		h.clients[conn.ID()] = c
		h.wg.Add(1)
		go h.writeLoop(c)
	}

	added := make([]int64, 0, len(productIDs))
	for _, id := range productIDs {
		if id <= 0 {
			continue
		}
		set, ok := h.subs[id]
		if !ok {
			set = make(map[string]*client)
			h.subs[id] = set
		}
		set[conn.ID()] = c
		c.products[id] = struct{}{}
		added = append(added, id)
	}
	h.mu.Unlock()

	h.logger.Info("Client subscribed",
		zap.String("conn_id", conn.ID()),
		zap.Int64s("product_ids", added))

	h.enqueue(c, Message{Type: TypeSubscriptionConfirmed, ProductIDs: added, Timestamp: h.now()})
	return added
}

// Unsubscribe removes product subscriptions of conn. The connection stays registered.
func (h *Hub) Unsubscribe(conn Conn, productIDs []int64) []int64 {
	h.mu.Lock()
	c, ok := h.clients[conn.ID()]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	removed := make([]int64, 0, len(productIDs))
	for _, id := range productIDs {
		if _, ok := c.products[id]; !ok {
			continue
		}
		h.unsubscribeLocked(c, id)
		removed = append(removed, id)
	}
	h.mu.Unlock()

	h.logger.Info("Client unsubscribed",
		zap.String("conn_id", conn.ID()),
		zap.Int64s("product_ids", removed))

	h.enqueue(c, Message{Type: TypeUnsubscriptionConfirmed, ProductIDs: removed, Timestamp: h.now()})
	return removed
}

func (h *Hub) unsubscribeLocked(c *client, productID int64) {
	delete(c.products, productID)
	if set := h.subs[productID]; set != nil {
		delete(set, c.conn.ID())
		if len(set) == 0 {
			delete(h.subs, productID)
		}
	}
}

// Disconnect removes a connection from every subscription set
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if ok {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	if ok {
		h.logger.Info("Client disconnected", zap.String("conn_id", connID))
	}
}

func (h *Hub) removeLocked(c *client) {
	for id := range c.products {
		h.unsubscribeLocked(c, id)
	}
	delete(h.clients, c.conn.ID())
	c.close()
}

// HandleMessage processes a raw client message. Malformed input is answered
// with an error message rather than returned.
func (h *Hub) HandleMessage(conn Conn, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(conn, Message{Type: TypeError, Error: "invalid message format", Timestamp: h.now()})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if len(msg.ProductIDs) == 0 {
			h.reply(conn, Message{Type: TypeError, Error: "product_ids required", Timestamp: h.now()})
			return
		}
		h.Subscribe(conn, msg.ProductIDs)
	case TypeUnsubscribe:
		h.Unsubscribe(conn, msg.ProductIDs)
	case TypePing:
		h.reply(conn, Message{Type: TypePong, Timestamp: h.now()})
	default:
		h.reply(conn, Message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type), Timestamp: h.now()})
	}
}

// reply sends through the client's writer when registered, directly otherwise
func (h *Hub) reply(conn Conn, msg Message) {
	h.mu.RLock()
	c, ok := h.clients[conn.ID()]
	h.mu.RUnlock()

	if ok {
		h.enqueue(c, msg)
		return
	}
	if err := conn.Send(msg); err != nil {
		h.logger.Debug("Failed to reply to unregistered client",
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
	}
}

// OnAppend implements series.Observer
func (h *Hub) OnAppend(productID int64, point model.PricePoint, prev *model.PricePoint) {
	h.OnPriceUpdate(productID, point, prev)
}

// OnPriceUpdate pushes a new price to the product's subscribers
func (h *Hub) OnPriceUpdate(productID int64, point model.PricePoint, prev *model.PricePoint) {
	h.publish(productID, Message{
		Type:      TypePriceUpdate,
		ProductID: productID,
		Data:      newPriceUpdate(productID, point, prev),
		Timestamp: h.now(),
	})
}

// OnAlert implements monitor.EventListener
func (h *Hub) OnAlert(event model.AlertEvent) {
	h.publish(event.ProductID, Message{
		Type:      TypeAlert,
		ProductID: event.ProductID,
		Data:      event,
		Timestamp: h.now(),
	})
}

// OnTaskUpdate implements scheduler.Listener
func (h *Hub) OnTaskUpdate(task model.ScrapeTask) {
	h.publish(task.ProductID, Message{
		Type:      TypeTaskUpdate,
		ProductID: task.ProductID,
		Data:      task,
		Timestamp: h.now(),
	})
}

// Deliver serves as the app channel dispatcher when no message broker is
// configured. OnAlert has already pushed the event to the product's
// subscribers, so delivery only acknowledges it.
func (h *Hub) Deliver(_ context.Context, event model.AlertEvent) (model.DeliveryReceipt, error) {
	h.logger.Debug("App alert acknowledged",
		zap.String("event_id", event.ID),
		zap.Int64("product_id", event.ProductID),
		zap.Int("subscribers", h.Subscribers(event.ProductID)))

	return model.DeliveryReceipt{
		EventID:     event.ID,
		Status:      model.DeliverySent,
		DeliveredAt: h.now(),
	}, nil
}

func (h *Hub) publish(productID int64, msg Message) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.subs[productID]))
	for _, c := range h.subs[productID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, msg)
	}
	return len(targets)
}

// enqueue never blocks: when the client's buffer is full the message is dropped
func (h *Hub) enqueue(c *client, msg Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.out <- msg:
	default:
		n := c.dropped.Add(1)
		h.logger.Warn("Client buffer full, dropping message",
			zap.String("conn_id", c.conn.ID()),
			zap.String("type", string(msg.Type)),
			zap.Int64("dropped", n))
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.conn.Send(msg); err != nil {
				h.logger.Info("Dropping unreachable client",
					zap.String("conn_id", c.conn.ID()),
					zap.Error(err))
				h.mu.Lock()
				if h.clients[c.conn.ID()] == c {
					h.removeLocked(c)
				}
				h.mu.Unlock()
				c.close()
				return
			}
		}
	}
}

// Subscribers returns the number of connections subscribed to a product
func (h *Hub) Subscribers(productID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[productID])
}

// Clients returns the number of registered connections
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscriptions returns the products a connection is subscribed to, sorted
func (h *Hub) Subscriptions(connID string) []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close disconnects every client and waits for their writers
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("Fanout hub closed")
}
