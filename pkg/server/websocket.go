package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"vaultindex/pkg/eventbus"
	"vaultindex/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is the client->server frame for the single event-stream
// connection: subscribe/unsubscribe change which topics are forwarded,
// the job verbs mirror their REST counterparts for clients that prefer
// to stay on one socket.
type controlMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	JobID   string `json:"job_id"`
}

// eventClient bridges one WebSocket connection to a set of eventbus
// topics that can change over the connection's lifetime. Since
// eventbus.Subscriber's topic set is fixed at Subscribe time, changing
// topics means swapping the underlying Subscriber and re-pointing the
// forwarder goroutine at its Send channel -- outbound itself never
// changes, so writePump never has to know a swap happened.
type eventClient struct {
	srv  *Server
	conn *websocket.Conn

	outbound chan []byte

	mu      sync.Mutex
	sub     *eventbus.Subscriber
	topics  map[string]bool
	forward chan struct{}
}

func (s *Server) serveEvents(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	ec := &eventClient{
		srv:      s,
		conn:     conn,
		outbound: make(chan []byte, 256),
		topics:   map[string]bool{},
	}
	if initial := c.QueryParam("channel"); initial != "" {
		ec.resubscribe(append(splitChannels(initial), eventbus.GlobalTopic()))
	} else {
		ec.resubscribe([]string{eventbus.GlobalTopic()})
	}

	go ec.writePump()
	ec.readPump()
	return nil
}

func splitChannels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resubscribe replaces the client's topic set, dropping the old
// eventbus.Subscriber and starting a fresh forwarder over the new one.
func (ec *eventClient) resubscribe(topics []string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	set := map[string]bool{}
	for _, t := range topics {
		set[t] = true
	}
	ec.topics = set

	if ec.sub != nil {
		ec.srv.bus.Unsubscribe(ec.sub)
		close(ec.forward)
	}
	ordered := make([]string, 0, len(set))
	for t := range set {
		ordered = append(ordered, t)
	}
	ec.sub = ec.srv.bus.Subscribe(ordered...)
	ec.forward = make(chan struct{})

	go ec.forwardLoop(ec.sub, ec.forward)
}

func (ec *eventClient) forwardLoop(sub *eventbus.Subscriber, stop chan struct{}) {
	for {
		select {
		case msg, ok := <-sub.Send:
			if !ok {
				return
			}
			select {
			case ec.outbound <- msg:
			default:
			}
		case <-stop:
			return
		}
	}
}

func (ec *eventClient) writePump() {
	ticker := time.NewTicker(eventbus.HeartbeatInterval())
	defer func() {
		ticker.Stop()
		ec.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-ec.outbound:
			ec.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				ec.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ec.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ec.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ec.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ec *eventClient) readPump() {
	defer func() {
		ec.mu.Lock()
		if ec.sub != nil {
			ec.srv.bus.Unsubscribe(ec.sub)
			close(ec.forward)
		}
		ec.mu.Unlock()
		ec.conn.Close()
	}()

	ec.conn.SetReadLimit(4096)
	ec.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	ec.conn.SetPongHandler(func(string) error {
		ec.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := ec.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		ec.handle(msg)
	}
}

func (ec *eventClient) handle(msg controlMessage) {
	switch msg.Action {
	case "subscribe":
		ec.mu.Lock()
		topics := make([]string, 0, len(ec.topics)+1)
		for t := range ec.topics {
			topics = append(topics, t)
		}
		ec.mu.Unlock()
		topics = append(topics, msg.Channel)
		ec.resubscribe(topics)
	case "unsubscribe":
		ec.mu.Lock()
		topics := make([]string, 0, len(ec.topics))
		for t := range ec.topics {
			if t != msg.Channel {
				topics = append(topics, t)
			}
		}
		ec.mu.Unlock()
		ec.resubscribe(topics)
	case "ping":
		ec.conn.WriteJSON(echo.Map{"type": "pong"})
	case "get_status":
		job, err := ec.srv.queue.Get(msg.JobID)
		if err != nil {
			ec.conn.WriteJSON(echo.Map{"type": "error", "job_id": msg.JobID, "message": err.Error()})
			return
		}
		ec.conn.WriteJSON(echo.Map{"type": "job_status", "job_id": msg.JobID, "data": job})
	case "pause":
		ec.jobControl(msg.JobID, ec.srv.queue.Pause)
	case "resume":
		ec.jobControl(msg.JobID, ec.srv.queue.Resume)
	case "cancel":
		ec.jobControl(msg.JobID, ec.srv.queue.Cancel)
	default:
		logger.Warn("event stream: unknown action %q", msg.Action)
	}
}

func (ec *eventClient) jobControl(jobID string, op func(string) error) {
	if err := op(jobID); err != nil {
		ec.conn.WriteJSON(echo.Map{"type": "error", "job_id": jobID, "message": err.Error()})
		return
	}
	ec.conn.WriteJSON(echo.Map{"type": "ack", "job_id": jobID})
}

