package voice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/duavoice/internal/llm"
	"github.com/ent0n29/duavoice/internal/memory"
	"github.com/ent0n29/duavoice/internal/observability"
	"github.com/ent0n29/duavoice/internal/policy"
	"github.com/ent0n29/duavoice/internal/protocol"
	"github.com/ent0n29/duavoice/internal/reliability"
	"github.com/ent0n29/duavoice/internal/session"
)

const (
	outboundQueueSize   = 256
	criticalSendTimeout = 600 * time.Millisecond
	ttsFinalizeTimeout  = 10 * time.Second
	memoryTimeout       = 2 * time.Second
	releaseTimeout      = 2 * time.Second
)

// Config is fixed for the lifetime of a session.
type Config struct {
	SessionID    string
	UserID       string
	Language     string
	VoiceName    string
	MaxDuration  time.Duration
	SystemPrompt string
	HistoryTurns int
}

// Deps are the collaborators a session talks to. STT, TTS and LLM are
// required; the rest may be nil.
type Deps struct {
	STT      STTProvider
	TTS      TTSProvider
	LLM      llm.Provider
	Memory   memory.Store
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	// Release frees the registry slot. Cleanup calls it exactly once.
	Release func(ctx context.Context) error
}

// Session drives one voice conversation: client audio to STT, committed
// transcripts to the LLM, LLM text to TTS, and TTS audio back to the client.
//
// Outbound messages are queued on Outbound(). The transport writes them and
// must call WriteAudio for AudioFrame values so frames of cancelled turns
// are never written.
type Session struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	out         chan any
	done        chan struct{}
	doneOnce    sync.Once
	cleanupOnce sync.Once

	stateMu  sync.Mutex
	state    session.State
	stt      STTSession
	deadline *time.Timer
	started  bool

	// audioMu is held for writing whenever audioTurnID changes and for
	// reading while a frame is written. Lock order: audioMu, turnMu, stateMu.
	audioMu     sync.RWMutex
	audioTurnID string

	turnMu     sync.Mutex
	turnID     string
	turnCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 8
	}
	log := deps.Logger
	if log == nil {
		log = observability.DiscardLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetricsWith(prometheus.NewRegistry(), "duavoice")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		deps:    deps,
		log:     log.With("session_id", cfg.SessionID, "user_id", cfg.UserID),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan any, outboundQueueSize),
		done:    make(chan struct{}),
		state:   session.StateIdle,
	}
}

func (s *Session) ID() string { return s.cfg.SessionID }

// Outbound carries protocol messages for the client. It is never closed.
func (s *Session) Outbound() <-chan any { return s.out }

// Done is closed when the session wants the transport to close the socket,
// after any final message has been queued.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() session.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Start opens the STT session and moves to Listening.
func (s *Session) Start(ctx context.Context) error {
	stt, events, err := s.deps.STT.StartSession(ctx, s.cfg.SessionID, s.cfg.Language)
	if err != nil {
		s.reportError("stt", "stt_start_failed", err.Error(), reliability.IsRetryableError(err))
		return fmt.Errorf("start stt: %w", err)
	}

	s.stateMu.Lock()
	if s.state == session.StateClosed {
		s.stateMu.Unlock()
		_ = stt.Close()
		return fmt.Errorf("session closed")
	}
	s.stt = stt
	s.started = true
	if s.cfg.MaxDuration > 0 {
		s.deadline = time.AfterFunc(s.cfg.MaxDuration, s.expire)
	}
	s.stateMu.Unlock()

	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionEvents.WithLabelValues("opened").Inc()
	s.send(protocol.Connected{Type: protocol.TypeConnected, SessionID: s.cfg.SessionID})
	s.setState(session.StateListening)
	go s.consumeSTT(events)
	s.log.Info("voice session started", "language", s.cfg.Language, "voice", s.cfg.VoiceName)
	return nil
}

// ProcessAudioChunk forwards raw client audio to STT. Audio after Closed is
// ignored.
func (s *Session) ProcessAudioChunk(ctx context.Context, buf []byte) error {
	s.stateMu.Lock()
	stt, st := s.stt, s.state
	s.stateMu.Unlock()
	if st == session.StateClosed || stt == nil || len(buf) == 0 {
		return nil
	}
	if st == session.StateListening {
		s.transition(session.StateListening, session.StateTranscribing)
	}
	if err := stt.SendAudio(ctx, buf, false); err != nil {
		s.reportError("stt", "stt_send_failed", err.Error(), true)
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// SendText starts a turn from typed text, bypassing STT.
func (s *Session) SendText(_ context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || s.State() == session.StateClosed {
		return nil
	}
	s.beginTurn(text)
	return nil
}

// Stop cancels the turn in progress and returns to Listening. Audio of a
// turn that already ended is silenced too. Without a turn in progress
// nothing is queued.
func (s *Session) Stop() {
	s.audioMu.Lock()
	s.audioTurnID = ""
	s.audioMu.Unlock()

	s.stateMu.Lock()
	if !s.state.Active() {
		s.stateMu.Unlock()
		return
	}
	s.state = session.StateStopping
	s.stateMu.Unlock()
	s.announce(session.StateStopping)

	started := time.Now()
	s.cancelTurn(protocol.ReasonStopped)
	s.transition(session.StateStopping, session.StateListening)
	s.metrics.ObserveTurnStage("stop_to_idle", time.Since(started))
	s.metrics.SessionEvents.WithLabelValues("stop").Inc()
}

// Cleanup releases everything the session holds. Safe to call more than once.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.cancelTurn("")

		s.stateMu.Lock()
		s.state = session.StateClosed
		stt, deadline, started := s.stt, s.deadline, s.started
		s.stt = nil
		s.stateMu.Unlock()

		if deadline != nil {
			deadline.Stop()
		}
		if stt != nil {
			_ = stt.Close()
		}
		s.cancel()
		s.signalDone()

		if s.deps.Release != nil {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			if err := s.deps.Release(ctx); err != nil {
				s.log.Warn("release session slot failed", "error", err)
			}
			cancel()
		}
		if s.deps.Sessions != nil {
			_, _ = s.deps.Sessions.End(s.cfg.SessionID)
		}
		if started {
			s.metrics.ActiveSessions.Dec()
		}
		s.metrics.SessionEvents.WithLabelValues("closed").Inc()
		s.log.Info("voice session closed")
	})
}

// WriteAudio calls write only if frame belongs to the turn whose audio may
// still play. It reports whether write ran.
func (s *Session) WriteAudio(frame protocol.AudioFrame, write func() error) (bool, error) {
	s.audioMu.RLock()
	defer s.audioMu.RUnlock()
	if frame.TurnID == "" || frame.TurnID != s.audioTurnID {
		return false, nil
	}
	return true, write()
}

// ReportClientError tells the client its last message was rejected. The
// connection stays open.
func (s *Session) ReportClientError(code, detail string) {
	s.send(protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: s.cfg.SessionID,
		Message:   detail,
		Source:    "client",
		Code:      code,
	})
}

func (s *Session) expire() {
	if s.State() == session.StateClosed {
		return
	}
	s.log.Info("voice session reached max duration", "max_duration", s.cfg.MaxDuration)
	s.metrics.SessionEvents.WithLabelValues("timeout").Inc()
	s.send(protocol.Timeout{
		Type:      protocol.TypeTimeout,
		SessionID: s.cfg.SessionID,
		Message:   "session exceeded maximum duration",
	})
	s.signalDone()
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) consumeSTT(events <-chan STTEvent) {
	for ev := range events {
		switch ev.Type {
		case STTEventPartial:
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
			s.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: s.cfg.SessionID, Text: ev.Text})
		case STTEventCommitted:
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				s.transition(session.StateTranscribing, session.StateListening)
				continue
			}
			s.send(protocol.Transcript{Type: protocol.TypeTranscript, SessionID: s.cfg.SessionID, Text: text, IsFinal: true})
			s.beginTurn(text)
		case STTEventError:
			detail := ev.Detail
			if detail == "" {
				detail = ev.Code
			}
			s.reportError("stt", ev.Code, detail, ev.Retryable)
		}
	}
	// The upstream ended on its own. Detach it so later audio is ignored,
	// then ask the transport to close.
	s.stateMu.Lock()
	if s.state == session.StateClosed {
		s.stateMu.Unlock()
		return
	}
	stt := s.stt
	s.stt = nil
	s.stateMu.Unlock()
	if stt != nil {
		_ = stt.Close()
	}
	s.reportError("stt", "stt_session_closed", "speech recognition session ended", false)
	s.signalDone()
}

// beginTurn cancels any turn in flight (barge-in) and starts a new one.
func (s *Session) beginTurn(input string) {
	turnID := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)

	s.audioMu.Lock()
	s.turnMu.Lock()
	prevID, prevCancel := s.turnID, s.turnCancel
	s.turnID, s.turnCancel = turnID, cancel
	s.audioTurnID = turnID
	_, changed := s.swapState(session.StateGenerating)
	s.turnMu.Unlock()
	s.audioMu.Unlock()

	if prevCancel != nil {
		prevCancel()
		s.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, SessionID: s.cfg.SessionID, TurnID: prevID, Reason: protocol.ReasonBargeIn})
		s.metrics.SessionEvents.WithLabelValues("barge_in").Inc()
		if s.deps.Sessions != nil {
			_ = s.deps.Sessions.Interrupt(s.cfg.SessionID)
		}
	}
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.StartTurn(s.cfg.SessionID, turnID)
	}
	if changed {
		s.announce(session.StateGenerating)
	}
	go s.runTurn(ctx, turnID, input)
}

// cancelTurn aborts the turn in flight and silences its queued audio. An
// empty reason suppresses the turn_end message.
func (s *Session) cancelTurn(reason string) bool {
	s.audioMu.Lock()
	s.turnMu.Lock()
	id, cancel := s.turnID, s.turnCancel
	s.turnID, s.turnCancel = "", nil
	s.audioTurnID = ""
	s.turnMu.Unlock()
	s.audioMu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	if reason != "" {
		s.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, SessionID: s.cfg.SessionID, TurnID: id, Reason: reason})
	}
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.EndTurn(s.cfg.SessionID, id)
	}
	return true
}

// finishTurn ends turnID if it is still the active turn.
func (s *Session) finishTurn(turnID, reason string) {
	s.turnMu.Lock()
	if s.turnID != turnID {
		s.turnMu.Unlock()
		return
	}
	cancel := s.turnCancel
	s.turnID, s.turnCancel = "", nil
	prev, changed := s.swapState(session.StateListening)
	s.turnMu.Unlock()

	cancel()
	s.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, SessionID: s.cfg.SessionID, TurnID: turnID, Reason: reason})
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.EndTurn(s.cfg.SessionID, turnID)
	}
	if changed && prev != session.StateClosed {
		s.announce(session.StateListening)
	}
}

// setTurnState changes state only while turnID is still active.
func (s *Session) setTurnState(turnID string, st session.State) {
	s.turnMu.Lock()
	if s.turnID != turnID {
		s.turnMu.Unlock()
		return
	}
	_, changed := s.swapState(st)
	s.turnMu.Unlock()
	if changed {
		s.announce(st)
	}
}

type ttsResult struct {
	stream TTSStream
	err    error
}

func (s *Session) runTurn(ctx context.Context, turnID, input string) {
	ctx, span := observability.StartSpan(ctx, "voice.turn",
		attribute.String("session.id", s.cfg.SessionID),
		attribute.String("turn.id", turnID),
	)
	defer span.End()
	log := observability.LoggerFromContext(ctx, s.log).With("turn_id", turnID)
	started := time.Now()
	log.Debug("turn started", "input", policy.LogSafe(input, 80))

	history := s.loadHistory(ctx)
	s.saveTurnBestEffort("user", input)

	// TTS connects while the LLM is thinking.
	ttsResCh := make(chan ttsResult, 1)
	go func() {
		stream, err := s.deps.TTS.StartStream(ctx, s.cfg.VoiceName, s.cfg.Language)
		ttsResCh <- ttsResult{stream: stream, err: err}
	}()

	var (
		mu          sync.Mutex
		tts         TTSStream
		ttsResolved bool
		pending     []string
		seg         segmenter
		reply       strings.Builder
		firstText   = true
		ttsDone     = make(chan struct{})
	)
	defer func() {
		if tts != nil {
			_ = tts.Close()
			return
		}
		if !ttsResolved {
			go func() {
				if res := <-ttsResCh; res.stream != nil {
					_ = res.stream.Close()
				}
			}()
		}
	}()

	resolve := func(block bool) {
		if ttsResolved {
			return
		}
		var res ttsResult
		if block {
			select {
			case res = <-ttsResCh:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case res = <-ttsResCh:
			default:
				return
			}
		}
		ttsResolved = true
		if res.err != nil {
			if ctx.Err() == nil {
				s.reportError("tts", "tts_start_failed", res.err.Error(), reliability.IsRetryableError(res.err))
			}
			close(ttsDone)
			return
		}
		tts = res.stream
		s.metrics.ObserveTurnStage("turn_to_tts_ready", time.Since(started))
		go s.forwardTTS(ctx, turnID, tts, started, ttsDone)
	}
	// speak queues chunk (may be empty) and sends everything queued once TTS
	// is connected.
	speak := func(chunk string) {
		if chunk != "" {
			pending = append(pending, chunk)
		}
		resolve(false)
		if !ttsResolved || len(pending) == 0 {
			return
		}
		queued := pending
		pending = nil
		if tts == nil {
			return
		}
		for _, text := range queued {
			if err := tts.SendText(ctx, text+" ", true); err != nil {
				if ctx.Err() == nil {
					s.reportError("tts", "tts_send_failed", err.Error(), true)
				}
				return
			}
		}
	}

	resp, err := s.deps.LLM.StreamResponse(ctx, llm.Request{
		UserID:       s.cfg.UserID,
		SessionID:    s.cfg.SessionID,
		TurnID:       turnID,
		InputText:    input,
		SystemPrompt: s.cfg.SystemPrompt,
		History:      history,
	}, func(delta string) error {
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if firstText {
			firstText = false
			s.metrics.ObserveTurnStage("turn_to_first_text", time.Since(started))
		}
		reply.WriteString(delta)
		s.send(protocol.Response{Type: protocol.TypeResponse, SessionID: s.cfg.SessionID, TurnID: turnID, Text: delta})
		for _, chunk := range seg.Push(delta) {
			speak(chunk)
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if ctx.Err() != nil {
		log.Debug("turn cancelled")
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm failed")
		s.reportError("llm", "llm_failed", err.Error(), reliability.IsRetryableError(err))
		s.finishTurn(turnID, protocol.ReasonError)
		return
	}

	for _, chunk := range seg.Finalize() {
		speak(chunk)
	}
	resolve(true)
	if tts != nil {
		speak("")
		if err := tts.CloseInput(ctx); err != nil && ctx.Err() == nil {
			s.reportError("tts", "tts_flush_failed", err.Error(), true)
		}
		timer := time.NewTimer(ttsFinalizeTimeout)
		select {
		case <-ttsDone:
		case <-timer.C:
			log.Warn("tts did not finish in time", "timeout", ttsFinalizeTimeout)
			s.metrics.SessionEvents.WithLabelValues("tts_finalize_timeout").Inc()
		case <-ctx.Done():
		}
		timer.Stop()
	}
	if ctx.Err() != nil {
		return
	}

	text := resp.Text
	if text == "" {
		text = reply.String()
	}
	s.saveTurnBestEffort("assistant", text)
	s.metrics.ObserveTurnStage("turn_total", time.Since(started))
	s.finishTurn(turnID, protocol.ReasonCompleted)
	log.Debug("turn completed", "duration", time.Since(started))
}

func (s *Session) forwardTTS(ctx context.Context, turnID string, stream TTSStream, started time.Time, done chan<- struct{}) {
	defer close(done)
	first := true
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case TTSEventAudio:
				if first {
					first = false
					d := time.Since(started)
					s.metrics.ObserveFirstAudioLatency(d)
					s.metrics.ObserveTurnStage("turn_to_first_audio", d)
					s.setTurnState(turnID, session.StateSpeaking)
				}
				s.send(protocol.AudioFrame{TurnID: turnID, Data: ev.Audio})
			case TTSEventFinal:
				return
			case TTSEventError:
				detail := ev.Detail
				if detail == "" {
					detail = ev.Code
				}
				s.reportError("tts", ev.Code, detail, ev.Retryable)
			}
		}
	}
}

func (s *Session) loadHistory(ctx context.Context) []llm.Message {
	if s.deps.Memory == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()
	records, err := s.deps.Memory.RecentContext(ctx, s.cfg.UserID, s.cfg.HistoryTurns)
	if err != nil {
		s.log.Warn("load conversation history failed", "error", err)
		return nil
	}
	return memory.History(records)
}

func (s *Session) saveTurnBestEffort(role, content string) {
	if s.deps.Memory == nil || strings.TrimSpace(content) == "" {
		return
	}
	redacted, changed := policy.RedactPII(content)
	record := memory.TurnRecord{
		UserID:      s.cfg.UserID,
		SessionID:   s.cfg.SessionID,
		Role:        role,
		Content:     redacted,
		PIIRedacted: changed,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memoryTimeout)
		defer cancel()
		if err := s.deps.Memory.SaveTurn(ctx, record); err != nil {
			s.metrics.SessionEvents.WithLabelValues("memory_save_failed").Inc()
			s.log.Debug("save turn failed", "role", role, "error", err)
		}
	}()
}

func (s *Session) reportError(source, code, detail string, retryable bool) {
	if code == "" {
		code = source + "_error"
	}
	s.metrics.ProviderErrors.WithLabelValues(source, code).Inc()
	s.log.Warn("provider error", "source", source, "code", code, "detail", policy.LogSafe(detail, 200), "retryable", retryable)
	s.send(protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: s.cfg.SessionID,
		Message:   detail,
		Source:    source,
		Code:      code,
		Retryable: retryable,
	})
}

// swapState sets the state unless the session is closed. Callers announce.
func (s *Session) swapState(st session.State) (prev session.State, changed bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	prev = s.state
	if prev == session.StateClosed || prev == st {
		return prev, false
	}
	s.state = st
	return prev, true
}

func (s *Session) setState(st session.State) {
	if _, changed := s.swapState(st); changed {
		s.announce(st)
	}
}

// transition moves from one state to another only if the session is in from.
func (s *Session) transition(from, to session.State) {
	s.stateMu.Lock()
	if s.state != from {
		s.stateMu.Unlock()
		return
	}
	s.state = to
	s.stateMu.Unlock()
	s.announce(to)
}

func (s *Session) announce(st session.State) {
	if s.deps.Sessions != nil {
		_ = s.deps.Sessions.SetState(s.cfg.SessionID, st)
	}
	s.send(protocol.Status{Type: protocol.TypeStatus, SessionID: s.cfg.SessionID, State: st.String()})
}

// send queues msg for the client. Critical messages wait briefly for room;
// the rest are dropped when the queue is full.
func (s *Session) send(msg any) {
	msgType := protocol.TypeOf(msg)
	if s.ctx.Err() != nil {
		s.metrics.ObserveOutboundMessage(msgType, "closed")
		return
	}
	if protocol.Critical(msg) {
		timer := time.NewTimer(criticalSendTimeout)
		defer timer.Stop()
		select {
		case s.out <- msg:
			s.metrics.ObserveOutboundMessage(msgType, "delivered")
		case <-timer.C:
			s.metrics.ObserveOutboundMessage(msgType, "timeout")
			s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		return
	}
	select {
	case s.out <- msg:
		s.metrics.ObserveOutboundMessage(msgType, "delivered")
	default:
		s.metrics.ObserveOutboundMessage(msgType, "dropped")
		s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	}
}
