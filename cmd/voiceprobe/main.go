// Command voiceprobe drives turns against a running /voice endpoint and
// reports per-turn latency. Assistant audio can be saved as a WAV file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/duavoice/internal/audio"
	"github.com/ent0n29/duavoice/internal/protocol"
)

type options struct {
	baseURL     string
	userID      string
	token       string
	wavPath     string
	outPath     string
	texts       []string
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	sampleRate  int
	verbose     bool
}

type wsEnvelope struct {
	Type    string `json:"type"`
	TurnID  string `json:"turnId,omitempty"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type turnResult struct {
	reason     string
	firstAudio time.Duration
	total      time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("voiceprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	fs.StringVar(&cfg.userID, "user-id", "probe-user", "userId query parameter")
	fs.StringVar(&cfg.token, "token", "probe-token-0000", "token query parameter")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file streamed as user speech (default: generated tone)")
	fs.StringVar(&cfg.outPath, "out", "", "write received assistant audio to this WAV file")
	fs.StringVar(&textsRaw, "texts", "", "send text turns instead of audio, separated by '|'")
	fs.IntVar(&cfg.turns, "turns", 3, "number of turns")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_end")
	fs.IntVar(&cfg.sampleRate, "out-sample-rate", 16000, "sample rate of received audio")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print server events")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, errors.New("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, errors.New("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, errors.New("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			cfg.texts = append(cfg.texts, t)
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	pcm, sampleRate := audio.Tone(16000, 1200*time.Millisecond, 220), 16000
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return err
		}
		if pcm, sampleRate, err = audio.DecodeWAVPCM16(data); err != nil {
			return fmt.Errorf("decode %s: %w", cfg.wavPath, err)
		}
	}

	wsURL, err := voiceURL(cfg.baseURL, cfg.userID, cfg.token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	audioCh := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go readLoop(conn, events, audioCh, readErr)

	var received []byte
	for i := 0; i < cfg.turns; i++ {
		start := time.Now()
		if len(cfg.texts) > 0 {
			text := cfg.texts[i%len(cfg.texts)]
			if err := conn.WriteJSON(protocol.TextMessage{Type: protocol.TypeText, Text: text}); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		} else {
			if err := sendAudio(conn, pcm, sampleRate, cfg.chunkMS, cfg.realtime); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			if err := conn.WriteJSON(protocol.StopMessage{Type: protocol.TypeStop}); err != nil {
				return fmt.Errorf("turn %d send stop: %w", i+1, err)
			}
		}
		res, got, err := awaitTurn(events, audioCh, readErr, start, cfg.turnTimeout, cfg.verbose)
		received = append(received, got...)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Printf("voiceprobe: turn %d/%d reason=%s first_audio_ms=%d total_ms=%d\n",
			i+1, cfg.turns, res.reason, res.firstAudio.Milliseconds(), res.total.Milliseconds())
	}

	if cfg.outPath != "" && len(received) > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, received, cfg.sampleRate); err != nil {
			return fmt.Errorf("write %s: %w", cfg.outPath, err)
		}
		fmt.Printf("voiceprobe: wrote %d bytes of assistant audio to %s\n", len(received), cfg.outPath)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"))
	return nil
}

func voiceURL(baseURL, userID, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice"
	q := u.Query()
	q.Set("userId", userID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, audioCh chan<- []byte, readErr chan<- error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if kind == websocket.BinaryMessage {
			audioCh <- data
			continue
		}
		var env wsEnvelope
		if json.Unmarshal(data, &env) == nil {
			events <- env
		}
	}
}

func awaitTurn(events <-chan wsEnvelope, audioCh <-chan []byte, readErr <-chan error, start time.Time, timeout time.Duration, verbose bool) (turnResult, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		res turnResult
		pcm []byte
	)
	for {
		select {
		case chunk := <-audioCh:
			if res.firstAudio == 0 {
				res.firstAudio = time.Since(start)
			}
			pcm = append(pcm, chunk...)
		case env := <-events:
			if verbose {
				logEvent(env)
			}
			switch protocol.MessageType(env.Type) {
			case protocol.TypeTurnEnd:
				res.reason = env.Reason
				res.total = time.Since(start)
				return res, pcm, nil
			case protocol.TypeTimeout:
				return res, pcm, errors.New("session timed out")
			}
		case err := <-readErr:
			return res, pcm, err
		case <-timer.C:
			return res, pcm, fmt.Errorf("no turn_end after %s", timeout)
		}
	}
}

func logEvent(env wsEnvelope) {
	switch protocol.MessageType(env.Type) {
	case protocol.TypeTranscript:
		fmt.Printf("  transcript final=%v %q\n", env.IsFinal, env.Text)
	case protocol.TypeResponse:
		fmt.Printf("  response %q\n", env.Text)
	case protocol.TypeStatus:
		fmt.Printf("  status %s\n", env.State)
	case protocol.TypeError:
		fmt.Fprintf(os.Stderr, "  error code=%s message=%s\n", env.Code, env.Message)
	}
}

func sendAudio(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int, realtime float64) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	bytesPerChunk -= bytesPerChunk % 2
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
		pause := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*2)) / realtime)
		time.Sleep(max(pause, time.Millisecond))
	}
	return nil
}
