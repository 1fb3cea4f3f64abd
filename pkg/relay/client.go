package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"peer-call/pkg/log"
	"peer-call/pkg/signaling"
	queue "peer-call/pkg/sync"
)

// ClientConfig configures a relay client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://host:8443/ws.
	URL    string
	APIKey string
}

// Client implements signaling.Channel over one websocket to the relay server.
// Requests are correlated by ID; watch events are demultiplexed to their
// subscriptions, each with its own ordered delivery queue so a watch callback
// may issue further relay calls without deadlocking the read loop.
type Client struct {
	cfg  ClientConfig
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response
	watches map[string]*queue.Mailbox

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[string]chan *Response),
		watches: make(map[string]*queue.Mailbox),
		closed:  make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-Api-Key", c.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.Wrap(err, "relay rejected api key")
		}
		return errors.Wrap(err, "dial relay")
	}

	c.conn = conn

	go c.readLoop()

	return nil
}

// Close tears the connection down and fails all in-flight requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		if c.conn != nil {
			_ = c.conn.Close()
		}

		c.mu.Lock()
		watches := c.watches
		c.watches = make(map[string]*queue.Mailbox)
		c.mu.Unlock()

		for _, box := range watches {
			box.Close()
		}
	})

	return nil
}

func (c *Client) readLoop() {
	defer func() {
		_ = c.Close()
	}()

	for {
		msg := &ServerMessage{}

		if err := c.conn.ReadJSON(msg); err != nil {
			select {
			case <-c.closed:
			default:
				log.Errorf("relay connection lost: %v", err)
			}
			return
		}

		switch msg.Type {
		case "response":
			if msg.Response == nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[msg.Response.ID]
			delete(c.pending, msg.Response.ID)
			c.mu.Unlock()

			if ch != nil {
				ch <- msg.Response
			}

		case "event":
			if msg.Event == nil {
				continue
			}
			c.mu.Lock()
			box := c.watches[msg.Event.WatchID]
			c.mu.Unlock()

			if box != nil {
				box.Put(msg.Event)
			}
		}
	}
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	req.ID = uuid.New().String()

	ch := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()

	if err != nil {
		return nil, errors.Wrap(signaling.ErrRelayWrite, err.Error())
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.Wrap(signaling.ErrRelayWrite, "relay connection closed")
	case resp := <-ch:
		if resp.Code != "" {
			return nil, respError(resp)
		}
		return resp, nil
	}
}

func respError(resp *Response) error {
	switch resp.Code {
	case CodeNotFound:
		return signaling.ErrNotFound
	default:
		return errors.Wrap(signaling.ErrRelayWrite, resp.Error)
	}
}

func (c *Client) CreateCall(ctx context.Context, rec *signaling.CallRecord) (string, error) {
	resp, err := c.do(ctx, &Request{Op: OpCreateCall, Record: rec})
	if err != nil {
		return "", err
	}

	return resp.CallID, nil
}

func (c *Client) GetCall(ctx context.Context, id string) (*signaling.CallRecord, error) {
	resp, err := c.do(ctx, &Request{Op: OpGetCall, CallID: id})
	if err != nil {
		return nil, err
	}

	return resp.Record, nil
}

func (c *Client) UpdateCall(ctx context.Context, id string, upd signaling.Update) error {
	_, err := c.do(ctx, &Request{Op: OpUpdateCall, CallID: id, Update: &upd})

	return err
}

func (c *Client) DeleteCall(ctx context.Context, id string) error {
	_, err := c.do(ctx, &Request{Op: OpDeleteCall, CallID: id})

	return err
}

func (c *Client) AppendCandidate(ctx context.Context, id string, side signaling.Side, cand signaling.Candidate) error {
	_, err := c.do(ctx, &Request{Op: OpAppendCandidate, CallID: id, Side: side, Candidate: cand})

	return err
}

func (c *Client) WatchCall(ctx context.Context, id string, fn func(signaling.RecordEvent)) (signaling.Unsubscribe, error) {
	return c.watch(ctx, &Request{Op: OpWatchCall, CallID: id}, func(ev *WatchEvent) {
		switch ev.Kind {
		case EventRecord:
			fn(signaling.RecordEvent{Record: ev.Record})
		case EventGone:
			fn(signaling.RecordEvent{Gone: true})
		}
	})
}

func (c *Client) WatchCandidates(ctx context.Context, id string, side signaling.Side, fn func(signaling.Candidate)) (signaling.Unsubscribe, error) {
	return c.watch(ctx, &Request{Op: OpWatchCandidates, CallID: id, Side: side}, func(ev *WatchEvent) {
		if ev.Kind == EventCandidate {
			fn(ev.Candidate)
		}
	})
}

func (c *Client) WatchIncoming(ctx context.Context, calleeUID string, fn func([]*signaling.CallRecord)) (signaling.Unsubscribe, error) {
	return c.watch(ctx, &Request{Op: OpWatchIncoming, CalleeUID: calleeUID}, func(ev *WatchEvent) {
		if ev.Kind == EventRinging {
			fn(ev.Ringing)
		}
	})
}

// watch registers the dispatch queue before sending the subscribe request, so
// no early event can be missed, then hands back an unsubscribe closure.
func (c *Client) watch(ctx context.Context, req *Request, fn func(*WatchEvent)) (signaling.Unsubscribe, error) {
	watchID := uuid.New().String()
	req.WatchID = watchID

	box := queue.NewMailbox(func(v any) { fn(v.(*WatchEvent)) })

	c.mu.Lock()
	c.watches[watchID] = box
	c.mu.Unlock()

	if _, err := c.do(ctx, req); err != nil {
		c.dropWatch(watchID)
		return nil, err
	}

	return func() {
		_, _ = c.do(context.Background(), &Request{Op: OpUnwatch, WatchID: watchID})
		c.dropWatch(watchID)
	}, nil
}

func (c *Client) dropWatch(watchID string) {
	c.mu.Lock()
	box := c.watches[watchID]
	delete(c.watches, watchID)
	c.mu.Unlock()

	if box != nil {
		box.Close()
	}
}
