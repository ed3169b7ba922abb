package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stellarlinkco/fintrack/internal/bus"
	"github.com/stellarlinkco/fintrack/internal/config"
)

const (
	webUIChannelName = "webui"
	writeTimeout     = 5 * time.Second
)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

type WebUIChannel struct {
	BaseChannel
	addr    string
	server  *http.Server
	clients sync.Map
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		addr:        fmt.Sprintf("%s:%d", gwCfg.Host, port),
	}, nil
}

// Handler serves /ws and /health.
func (w *WebUIChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", w.handleWS)
	mux.HandleFunc("/health", func(wr http.ResponseWriter, r *http.Request) {
		wr.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(wr, "ok")
	})
	return mux
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Printf("[webui] listening on %s", w.addr)
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[webui] server error: %v", err)
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := "webui-" + uuid.NewString()
	w.clients.Store(clientID, conn)
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[webui] bad frame from %s: %v", clientID, err)
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}
		if !w.IsAllowed(clientID) {
			log.Printf("[webui] rejected message from %s", clientID)
			continue
		}

		if !w.publish(ctx, bus.InboundMessage{
			Channel:   webUIChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}) {
			return
		}
	}
}

func frameFor(msg bus.OutboundMessage) wsMessage {
	if msg.IsFragment() {
		return wsMessage{Type: "fragment", Content: msg.Content}
	}
	return wsMessage{Type: "message", Content: msg.Content, Error: msg.Error}
}

// Send writes msg to its client, or to every client when the chat is
// unknown. Fragments are only ever sent to their own client.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(frameFor(msg))
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	if value, ok := w.clients.Load(msg.ChatID); ok {
		return writeFrame(value.(*websocket.Conn), data)
	}
	if msg.IsFragment() {
		return nil
	}

	w.clients.Range(func(key, value any) bool {
		if err := writeFrame(value.(*websocket.Conn), data); err != nil {
			log.Printf("[webui] broadcast to %v failed: %v", key, err)
		}
		return true
	})
	return nil
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(key, value any) bool {
		value.(*websocket.Conn).CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
