package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// AccountNotification is delivered for every change to an account owned by
// the subscribed program.
type AccountNotification struct {
	Pubkey  PublicKey
	Slot    int64
	Account AccountInfo
}

// WSConfig configures the websocket subscriber.
type WSConfig struct {
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for the subscription ID.
	SubscribeTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the notification channel capacity.
	Buffer int
}

// DefaultWSConfig returns default websocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		SubscribeTimeout: 30 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		Buffer:           256,
	}
}

// ProgramSubscriber streams programSubscribe notifications over a single
// websocket connection. The notification channel is closed when the
// connection ends or Close is called; callers reconnect by creating a new
// subscriber.
type ProgramSubscriber struct {
	endpoint string
	config   WSConfig

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	reqID   atomic.Uint64

	subID int64
	out   chan AccountNotification
	done  chan struct{}
	wg    sync.WaitGroup
}

// SubscribeProgram dials endpoint and subscribes to account changes of program.
func SubscribeProgram(ctx context.Context, endpoint string, program PublicKey, filters []AccountFilter, config *WSConfig) (*ProgramSubscriber, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &ProgramSubscriber{
		endpoint: endpoint,
		config:   cfg,
		conn:     conn,
		out:      make(chan AccountNotification, cfg.Buffer),
		done:     make(chan struct{}),
	}

	subID, err := s.subscribe(ctx, program, filters)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.subID = subID

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

// Notifications returns the notification channel.
func (s *ProgramSubscriber) Notifications() <-chan AccountNotification {
	return s.out
}

// SubscriptionID returns the node-assigned subscription ID.
func (s *ProgramSubscriber) SubscriptionID() int64 {
	return s.subID
}

// subscribe sends programSubscribe and waits for the confirmation synchronously,
// before the read loop starts.
func (s *ProgramSubscriber) subscribe(ctx context.Context, program PublicKey, filters []AccountFilter) (int64, error) {
	config := map[string]interface{}{
		"encoding":   "base64",
		"commitment": "confirmed",
	}
	if len(filters) > 0 {
		raw := make([]interface{}, len(filters))
		for i, f := range filters {
			raw[i] = f.params()
		}
		config["filters"] = raw
	}

	id := s.reqID.Add(1)
	req := wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "programSubscribe",
		Params:  []interface{}{program.String(), config},
	}
	if err := s.write(req); err != nil {
		return 0, fmt.Errorf("write subscribe: %w", err)
	}

	deadline := time.Now().Add(s.config.SubscribeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("read subscribe response: %w", err)
		}

		var resp wsResponse
		if err := json.Unmarshal(msg, &resp); err != nil || resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return 0, resp.Error
		}
		var subID int64
		if err := json.Unmarshal(resp.Result, &subID); err != nil {
			return 0, fmt.Errorf("decode subscription id: %w", err)
		}
		return subID, nil
	}
}

func (s *ProgramSubscriber) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteJSON(v)
}

// Close unsubscribes and closes the connection.
func (s *ProgramSubscriber) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	s.conn.WriteJSON(wsRequest{
		JSONRPC: "2.0",
		ID:      s.reqID.Add(1),
		Method:  "programUnsubscribe",
		Params:  []interface{}{s.subID},
	})
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// readLoop reads notifications until the connection fails.
func (s *ProgramSubscriber) readLoop() {
	defer s.wg.Done()
	defer close(s.out)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var notif wsNotification
		if err := json.Unmarshal(msg, &notif); err != nil || notif.Method != "programNotification" || notif.Params == nil {
			continue
		}
		if notif.Params.Subscription != s.subID {
			continue
		}

		n, err := notif.Params.Result.decode()
		if err != nil {
			continue
		}

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *ProgramSubscriber) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context struct {
		Slot int64 `json:"slot"`
	} `json:"context"`
	Value programAccountResult `json:"value"`
}

func (r wsNotificationResult) decode() (AccountNotification, error) {
	key, err := ParsePublicKey(r.Value.Pubkey)
	if err != nil {
		return AccountNotification{}, err
	}
	info, err := r.Value.Account.decode()
	if err != nil {
		return AccountNotification{}, err
	}
	return AccountNotification{Pubkey: key, Slot: r.Context.Slot, Account: info}, nil
}

// EncodeAccountData returns the [data, "base64"] pair used in RPC payloads.
func EncodeAccountData(data []byte) []string {
	return []string{base64.StdEncoding.EncodeToString(data), "base64"}
}
