package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"peer-call/pkg/log"
	"peer-call/pkg/signaling"
)

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr   string
	APIKey string
}

// Server hosts call records in an in-memory signaling store and serves them
// to clients over websockets at /ws. It is a pure signaling relay: it never
// inspects description or candidate payloads.
type Server struct {
	cfg      ServerConfig
	store    *signaling.Store
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:   cfg,
		store: signaling.NewStore(),
	}
}

// Store exposes the backing store, mainly for in-process tests.
func (s *Server) Store() *signaling.Store {
	return s.store
}

// Handler returns the HTTP handler, usable with an external listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("relay listening on %s", s.cfg.Addr)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("X-Api-Key") != s.cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)

		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(errors.Wrap(err, "websocket upgrade"))

		return
	}

	c := &serverConn{
		conn:    conn,
		store:   s.store,
		watches: make(map[string]signaling.Unsubscribe),
	}

	log.Infof("relay: client connected from %s", r.RemoteAddr)
	c.readLoop()
	log.Infof("relay: client %s disconnected", r.RemoteAddr)
}

// serverConn is one connected client: a read loop dispatching requests plus
// the set of live watches fanning events back over the same socket.
type serverConn struct {
	conn  *websocket.Conn
	store *signaling.Store

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[string]signaling.Unsubscribe
	closed  bool
}

func (c *serverConn) readLoop() {
	defer c.teardown()

	for {
		req := &Request{}

		if err := c.conn.ReadJSON(req); err != nil {
			return
		}

		c.handle(req)
	}
}

func (c *serverConn) teardown() {
	c.mu.Lock()
	c.closed = true
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	for _, unsub := range watches {
		unsub()
	}

	_ = c.conn.Close()
}

func (c *serverConn) handle(req *Request) {
	resp := &Response{ID: req.ID}
	ctx := context.Background()

	switch req.Op {
	case OpCreateCall:
		if req.Record == nil {
			c.fail(resp, CodeBadRequest, errors.New("missing record"))
			return
		}
		id, err := c.store.CreateCall(ctx, req.Record)
		if err != nil {
			c.failStore(resp, err)
			return
		}
		resp.CallID = id

	case OpGetCall:
		rec, err := c.store.GetCall(ctx, req.CallID)
		if err != nil {
			c.failStore(resp, err)
			return
		}
		resp.Record = rec

	case OpUpdateCall:
		if req.Update == nil {
			c.fail(resp, CodeBadRequest, errors.New("missing update"))
			return
		}
		if err := c.store.UpdateCall(ctx, req.CallID, *req.Update); err != nil {
			c.failStore(resp, err)
			return
		}

	case OpDeleteCall:
		if err := c.store.DeleteCall(ctx, req.CallID); err != nil {
			c.failStore(resp, err)
			return
		}

	case OpAppendCandidate:
		if err := c.store.AppendCandidate(ctx, req.CallID, req.Side, req.Candidate); err != nil {
			c.failStore(resp, err)
			return
		}

	case OpWatchCall:
		watchID := req.WatchID
		unsub, err := c.store.WatchCall(ctx, req.CallID, func(ev signaling.RecordEvent) {
			kind := EventRecord
			if ev.Gone {
				kind = EventGone
			}
			c.push(&WatchEvent{WatchID: watchID, Kind: kind, Record: ev.Record})
		})
		if err != nil {
			c.failStore(resp, err)
			return
		}
		c.addWatch(watchID, unsub)

	case OpWatchCandidates:
		watchID := req.WatchID
		unsub, err := c.store.WatchCandidates(ctx, req.CallID, req.Side, func(cand signaling.Candidate) {
			c.push(&WatchEvent{WatchID: watchID, Kind: EventCandidate, Candidate: cand})
		})
		if err != nil {
			c.failStore(resp, err)
			return
		}
		c.addWatch(watchID, unsub)

	case OpWatchIncoming:
		watchID := req.WatchID
		unsub, err := c.store.WatchIncoming(ctx, req.CalleeUID, func(recs []*signaling.CallRecord) {
			c.push(&WatchEvent{WatchID: watchID, Kind: EventRinging, Ringing: recs})
		})
		if err != nil {
			c.failStore(resp, err)
			return
		}
		c.addWatch(watchID, unsub)

	case OpUnwatch:
		c.removeWatch(req.WatchID)

	default:
		c.fail(resp, CodeBadRequest, errors.Errorf("unknown op %q", req.Op))
		return
	}

	c.write(&ServerMessage{Type: "response", Response: resp})
}

func (c *serverConn) addWatch(watchID string, unsub signaling.Unsubscribe) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	c.watches[watchID] = unsub
	c.mu.Unlock()
}

func (c *serverConn) removeWatch(watchID string) {
	c.mu.Lock()
	unsub := c.watches[watchID]
	delete(c.watches, watchID)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (c *serverConn) fail(resp *Response, code string, err error) {
	resp.Code = code
	resp.Error = err.Error()

	c.write(&ServerMessage{Type: "response", Response: resp})
}

func (c *serverConn) failStore(resp *Response, err error) {
	code := CodeRelayWrite
	if errors.Is(err, signaling.ErrNotFound) {
		code = CodeNotFound
	}

	c.fail(resp, code, err)
}

func (c *serverConn) push(ev *WatchEvent) {
	c.write(&ServerMessage{Type: "event", Event: ev})
}

func (c *serverConn) write(msg *ServerMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		log.Debugf("relay: write: %v", err)
	}
}
