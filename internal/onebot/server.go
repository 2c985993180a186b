package onebot

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"msmpbot/internal/metrics"
)

type ServerConfig struct {
	AccessToken string
	Dispatcher  *Dispatcher
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Server accepts a reverse-websocket connection from a OneBot v11
// implementation (NapCat, go-cqhttp). Incoming group message events are
// handed to the dispatcher; outgoing send_group_msg actions go over the
// same socket. A new connection replaces the previous one.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn
	echo atomic.Int64
}

func NewServer(cfg ServerConfig) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	cfg.Metrics = m
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

var _ Sender = (*Server)(nil)

// AttachDispatcher wires the event sink after construction. The server
// is the dispatcher's Sender, so the two cannot be built in one step.
func (s *Server) AttachDispatcher(d *Dispatcher) {
	s.cfg.Dispatcher = d
}

func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.cfg.Logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.attach(conn)
		s.cfg.Logger.Info().Str("remote", r.RemoteAddr).Msg("onebot client connected")
		s.readPump(r.Context(), conn)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(s.cfg.AccessToken)
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.TrimPrefix(auth, "Bearer ") == token || strings.TrimPrefix(auth, "Token ") == token {
		return true
	}
	return r.URL.Query().Get("access_token") == token
}

func (s *Server) attach(conn *websocket.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.cfg.Logger.Info().Err(err).Msg("onebot client disconnected")
			return
		}
		s.cfg.Metrics.EventsTotal.Inc()

		ev, ok, err := parseEvent(data)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("unparseable onebot frame")
			continue
		}
		if !ok {
			continue
		}
		if s.cfg.Dispatcher != nil {
			go s.cfg.Dispatcher.Dispatch(ctx, ev)
		}
	}
}

func (s *Server) SendGroupMessage(ctx context.Context, groupID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	frame := action{
		Action: "send_group_msg",
		Params: map[string]any{
			"group_id": groupID,
			"message":  text,
		},
		Echo: "send-" + strconv.FormatInt(s.echo.Add(1), 10),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no onebot client connected")
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write send_group_msg: %w", err)
	}
	return nil
}
