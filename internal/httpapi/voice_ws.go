package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/duavoice/internal/events"
	"github.com/ent0n29/duavoice/internal/protocol"
	"github.com/ent0n29/duavoice/internal/session"
	"github.com/ent0n29/duavoice/internal/voice"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadIdle      = 120 * time.Second
	wsPingInterval  = 30 * time.Second
	wsCloseGrace    = 2 * time.Second
	wsMaxFrameBytes = 2 << 20
)

type sessionEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Language  string `json:"language,omitempty"`
	VoiceName string `json:"voiceName,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleVoice upgrades first so that a rejected caller still gets a close
// frame with a reason instead of a bare HTTP error.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("userId"))
	token := q.Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.deps.Tokens.Validate(userID, token); err != nil {
		s.metrics.SessionEvents.WithLabelValues("rejected_token").Inc()
		s.log.Info("voice connection rejected", "reason", "invalid token", "error", err)
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	sessionID := uuid.NewString()
	log := s.log.With("session_id", sessionID, "user_id", userID)
	admitted, err := s.deps.Registry.Admit(r.Context(), userID, sessionID)
	if err != nil {
		log.Error("session admission failed", "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "session registry unavailable")
		return
	}
	if !admitted {
		s.metrics.SessionEvents.WithLabelValues("rejected_limit").Inc()
		log.Info("voice connection rejected", "reason", "session limit exceeded")
		closeWith(conn, websocket.ClosePolicyViolation, "session limit exceeded")
		return
	}

	language := strings.TrimSpace(q.Get("lang"))
	if language == "" {
		language = s.cfg.VoiceDefaultLanguage
	}
	voiceName := strings.TrimSpace(q.Get("voice"))
	if voiceName == "" {
		voiceName = s.cfg.VoiceDefaultName
	}

	if s.deps.Sessions != nil {
		s.deps.Sessions.Create(session.CreateRequest{
			ID:          sessionID,
			UserID:      userID,
			Language:    language,
			VoiceName:   voiceName,
			MaxDuration: s.cfg.SessionMaxDuration,
		})
	}

	deps := s.deps.Voice
	deps.Sessions = s.deps.Sessions
	deps.Metrics = s.metrics
	deps.Logger = s.log
	deps.Release = func(ctx context.Context) error {
		return s.deps.Registry.Release(ctx, userID, sessionID)
	}
	vs := voice.New(voice.Config{
		SessionID:    sessionID,
		UserID:       userID,
		Language:     language,
		VoiceName:    voiceName,
		MaxDuration:  s.cfg.SessionMaxDuration,
		SystemPrompt: s.cfg.LLMSystemPrompt,
		HistoryTurns: s.cfg.LLMHistoryTurns,
	}, deps)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := vs.Start(ctx); err != nil {
		log.Error("voice session start failed", "error", err)
		vs.Cleanup()
		closeWith(conn, websocket.CloseInternalServerErr, "voice pipeline unavailable")
		return
	}
	evt := sessionEvent{SessionID: sessionID, UserID: userID, Language: language, VoiceName: voiceName}
	s.publish(ctx, events.SubjectSessionOpened, evt)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx, conn, vs)
	}()

	conn.SetReadLimit(wsMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadIdle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadIdle))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("voice socket read ended", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadIdle))

		switch msgType {
		case websocket.BinaryMessage:
			s.metrics.WSMessages.WithLabelValues("inbound", "audio").Inc()
			if err := vs.ProcessAudioChunk(ctx, data); err != nil {
				log.Debug("audio chunk not forwarded", "error", err)
			}
		case websocket.TextMessage:
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
				vs.ReportClientError("invalid_client_message", err.Error())
				continue
			}
			switch m := parsed.(type) {
			case protocol.StopMessage:
				s.metrics.WSMessages.WithLabelValues("inbound", string(m.Type)).Inc()
				vs.Stop()
			case protocol.TextMessage:
				s.metrics.WSMessages.WithLabelValues("inbound", string(m.Type)).Inc()
				_ = vs.SendText(ctx, m.Text)
			}
		}
	}

	cancel()
	vs.Cleanup()
	<-writerDone
	evt.Reason = protocol.ReasonClosed
	s.publish(context.WithoutCancel(ctx), events.SubjectSessionClosed, evt)
}

// writeLoop is the only writer of conn. When the session signals Done it
// flushes what is already queued, then sends the close frame.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, vs *voice.Session) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-vs.Outbound():
			if err := s.writeMessage(conn, vs, msg); err != nil {
				return
			}
		case <-vs.Done():
			for {
				select {
				case msg := <-vs.Outbound():
					if err := s.writeMessage(conn, vs, msg); err != nil {
						return
					}
				default:
					closeWith(conn, websocket.CloseNormalClosure, "session ended")
					_ = conn.SetReadDeadline(time.Now().Add(wsCloseGrace))
					return
				}
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, vs *voice.Session, msg any) error {
	msgType := protocol.TypeOf(msg)
	if frame, ok := msg.(protocol.AudioFrame); ok {
		wrote, err := vs.WriteAudio(frame, func() error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteMessage(websocket.BinaryMessage, frame.Data)
		})
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("outbound_error", msgType).Inc()
			return err
		}
		if !wrote {
			s.metrics.ObserveOutboundMessage(msgType, "stale")
			return nil
		}
		s.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSMessages.WithLabelValues("outbound_error", msgType).Inc()
		return err
	}
	s.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
	return nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

func (s *Server) publish(ctx context.Context, subject string, payload any) {
	if err := s.publisher.Publish(ctx, subject, payload); err != nil {
		s.log.Warn("publish event failed", "subject", subject, "error", err)
	}
}
