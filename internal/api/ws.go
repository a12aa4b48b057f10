package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/swag-agent/internal/agent"
	"github.com/nugget/swag-agent/internal/conversation"
	"github.com/nugget/swag-agent/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client message types.
const (
	msgQuery  = "query"
	msgCancel = "cancel"
	msgPing   = "ping"
)

// errQueryRunning rejects a second concurrent query on one connection.
var errQueryRunning = fmt.Errorf("a query is already running on this connection: %w", conversation.ErrBusy)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are API consumers, not browsers on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is one inbound WebSocket frame. Query fields sit at the
// top level next to type.
type clientMessage struct {
	Type string `json:"type"`
	agent.Query
}

// activeQuery is the query a session is running.
type activeQuery struct {
	cancel context.CancelFunc
}

// wsSession is one WebSocket connection. The handler goroutine reads,
// writeLoop is the only writer and each query runs on its own
// goroutine. At most one query runs at a time.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out  chan any
	stop chan struct{} // closed once no more queries can emit
	gone chan struct{} // closed when writeLoop exits

	mu     sync.Mutex
	active *activeQuery
	wg     sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	ss := &wsSession{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", r.RemoteAddr),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan any, outboundBuffer),
		stop:   make(chan struct{}),
		gone:   make(chan struct{}),
	}

	s.logger.Info("websocket session opened", "remote", r.RemoteAddr)
	s.bus.Emit(events.SourceTransport, events.KindSessionOpen, map[string]any{
		"remote": r.RemoteAddr,
		"kind":   "ws",
	})

	go ss.writeLoop()
	ss.readLoop()

	// Closing the connection cancels whatever is running on it.
	cancel()
	ss.wg.Wait()
	close(ss.stop)
	<-ss.gone
	conn.Close()

	s.logger.Info("websocket session closed", "remote", r.RemoteAddr)
	s.bus.Emit(events.SourceTransport, events.KindSessionClose, map[string]any{
		"remote": r.RemoteAddr,
		"kind":   "ws",
	})
}

// readLoop handles client frames until the connection fails or the
// session context ends.
func (ss *wsSession) readLoop() {
	ss.conn.SetReadLimit(maxQueryBytes)
	ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	ss.conn.SetPongHandler(func(string) error {
		return ss.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Unblock the read when the server shuts down or the writer fails.
	stopRead := context.AfterFunc(ss.ctx, func() {
		ss.conn.SetReadDeadline(time.Now())
	})
	defer stopRead()

	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				ss.logger.Debug("websocket closed by client")
			case ss.ctx.Err() != nil:
				ss.logger.Debug("websocket session ended", "error", err)
			default:
				ss.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ss.rejectMessage("", &agent.ValidationError{Field: "message", Message: "malformed JSON"})
			continue
		}

		switch msg.Type {
		case msgQuery:
			msg.Query.Source = "ws"
			ss.startQuery(msg.Query)
		case msgCancel:
			ss.cancelQuery()
		case msgPing:
			ss.send(map[string]string{"type": "pong"})
		default:
			ss.rejectMessage(msg.ConversationID, &agent.ValidationError{
				Field:   "type",
				Message: fmt.Sprintf("unknown message type %q", msg.Type),
			})
		}
	}
}

// startQuery runs q unless another query is already running on this
// connection, in which case q is rejected as busy.
func (ss *wsSession) startQuery(q agent.Query) {
	ss.mu.Lock()
	if ss.active != nil {
		ss.mu.Unlock()
		ss.rejectMessage(q.ConversationID, errQueryRunning)
		return
	}
	ctx, cancel := context.WithCancel(ss.ctx)
	aq := &activeQuery{cancel: cancel}
	ss.active = aq
	ss.wg.Add(1)
	ss.mu.Unlock()

	forward := channelEmitter(ss.out, ss.gone)
	emit := func(ctx context.Context, e agent.Event) {
		// The client may send its next query as soon as it sees Done.
		if agent.Terminal(e) {
			ss.finish(aq)
		}
		forward(ctx, e)
	}

	go func() {
		defer ss.wg.Done()
		defer cancel()
		defer ss.finish(aq)
		ss.server.serveQuery(ctx, q, emit)
	}()
}

// finish clears aq if it is still the active query.
func (ss *wsSession) finish(aq *activeQuery) {
	ss.mu.Lock()
	if ss.active == aq {
		ss.active = nil
	}
	ss.mu.Unlock()
}

func (ss *wsSession) cancelQuery() {
	ss.mu.Lock()
	aq := ss.active
	ss.mu.Unlock()
	if aq == nil {
		ss.logger.Debug("cancel with no query running")
		return
	}
	aq.cancel()
}

// rejectMessage answers a frame that did not start a query.
func (ss *wsSession) rejectMessage(conversationID string, err error) {
	class := agent.Classify(err)
	ss.logger.Debug("websocket message rejected", "classification", class, "error", err)
	ss.send(agent.Error{Message: err.Error(), Classification: class})
	ss.send(agent.Done{Status: agent.DoneError, ConversationID: conversationID})
}

// send queues msg from the reader goroutine.
func (ss *wsSession) send(msg any) {
	select {
	case ss.out <- msg:
	case <-ss.gone:
	}
}

// writeLoop is the connection's only data writer. After stop it
// flushes what is queued and sends a close frame.
func (ss *wsSession) writeLoop() {
	defer close(ss.gone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-ss.out:
			if err := ss.write(msg); err != nil {
				ss.fail(err)
				return
			}
		case <-ticker.C:
			if err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ss.fail(err)
				return
			}
		case <-ss.stop:
			for {
				select {
				case msg := <-ss.out:
					if err := ss.write(msg); err != nil {
						return
					}
				default:
					ss.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (ss *wsSession) write(msg any) error {
	ss.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ss.conn.WriteJSON(msg)
}

// fail ends the session after a write error.
func (ss *wsSession) fail(err error) {
	ss.logger.Debug("websocket write failed", "error", err)
	ss.cancel()
}

// handleEvents streams operational bus events over a WebSocket until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, agent.ClassInternal, "event bus not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(outboundBuffer)
	defer s.bus.Unsubscribe(sub)
	s.logger.Info("event stream opened", "remote", r.RemoteAddr)

	// Drain client frames so control messages are processed and a
	// close is noticed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			s.logger.Info("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
