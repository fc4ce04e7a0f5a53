package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfolio/rebalancer/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// updateBuffer is the capacity of the delivered update channel.
	updateBuffer = 64
)

// streamCommand is an outbound control message on the trade-updates socket.
type streamCommand struct {
	Action string         `json:"action"`
	Key    string         `json:"key,omitempty"`
	Secret string         `json:"secret,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// streamEnvelope is the outer shape of every inbound stream message.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// orderStream consumes the broker's trade_updates WebSocket and forwards
// events for watched orders on a channel. There is no reconnect: if the
// stream drops the channel is closed and the settlement monitor falls back
// to polling.
type orderStream struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	watch   map[string]bool
	updates chan domain.OrderUpdate
}

// SubscribeOrderEvents connects to the trade-updates stream, authenticates,
// and returns a channel of updates for the given order ids. An empty id list
// subscribes to all order events. The channel is closed when ctx is
// cancelled or the connection drops.
func (c *Client) SubscribeOrderEvents(ctx context.Context, orderIDs []string) (<-chan domain.OrderUpdate, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: dial stream: %w (%v)", domain.ErrStreamDisconnect, err)
	}

	s := &orderStream{
		conn:    conn,
		logger:  c.logger,
		watch:   make(map[string]bool, len(orderIDs)),
		updates: make(chan domain.OrderUpdate, updateBuffer),
	}
	for _, id := range orderIDs {
		s.watch[id] = true
	}

	if err := s.handshake(c.cfg.APIKey, c.cfg.APISecret); err != nil {
		conn.Close()
		return nil, err
	}

	go s.pingLoop(ctx)
	go s.readLoop(ctx)

	return s.updates, nil
}

// handshake authenticates and subscribes to the trade_updates stream.
func (s *orderStream) handshake(key, secret string) error {
	if err := s.send(streamCommand{Action: "auth", Key: key, Secret: secret}); err != nil {
		return fmt.Errorf("alpaca: stream auth: %w", err)
	}

	var auth streamEnvelope
	if err := s.conn.ReadJSON(&auth); err != nil {
		return fmt.Errorf("alpaca: read auth response: %w", err)
	}
	var authData struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(auth.Data, &authData); err != nil {
		return fmt.Errorf("alpaca: decode auth response: %w", err)
	}
	if authData.Status != "authorized" {
		return fmt.Errorf("alpaca: stream auth rejected: %w", domain.ErrUnauthorized)
	}

	listen := streamCommand{
		Action: "listen",
		Data:   map[string]any{"streams": []string{"trade_updates"}},
	}
	if err := s.send(listen); err != nil {
		return fmt.Errorf("alpaca: stream listen: %w", err)
	}
	return nil
}

func (s *orderStream) send(cmd streamCommand) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(cmd)
}

// readLoop reads stream messages and forwards matching order updates until
// the context is cancelled or the connection drops, then closes the channel.
func (s *orderStream) readLoop(ctx context.Context) {
	defer func() {
		s.conn.Close()
		close(s.updates)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WarnContext(ctx, "order event stream dropped",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		update, ok := s.parse(message)
		if !ok {
			continue
		}

		select {
		case s.updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

// parse extracts an order update from one raw stream message. Messages for
// other streams or unwatched orders are dropped.
func (s *orderStream) parse(raw []byte) (domain.OrderUpdate, bool) {
	var envelope streamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.OrderUpdate{}, false
	}
	if envelope.Stream != "trade_updates" {
		return domain.OrderUpdate{}, false
	}

	var event tradeUpdate
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return domain.OrderUpdate{}, false
	}
	if len(s.watch) > 0 && !s.watch[event.Order.ID] {
		return domain.OrderUpdate{}, false
	}

	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return domain.OrderUpdate{
		OrderID:   event.Order.ID,
		Status:    event.Order.Status,
		FilledQty: parseFloat(event.Order.FilledQty),
		AvgPrice:  parseFloat(event.Order.FilledAvgPrice),
		At:        at,
	}, true
}

// pingLoop sends periodic pings to keep the socket alive.
func (s *orderStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
