package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	stripewebhook "github.com/stripe/stripe-go/v84/webhook"

	"github.com/ent0n29/duavoice/internal/config"
	"github.com/ent0n29/duavoice/internal/credits"
	"github.com/ent0n29/duavoice/internal/generation"
	"github.com/ent0n29/duavoice/internal/llm"
	"github.com/ent0n29/duavoice/internal/memory"
	"github.com/ent0n29/duavoice/internal/policy"
	"github.com/ent0n29/duavoice/internal/session"
	"github.com/ent0n29/duavoice/internal/voice"
	"github.com/ent0n29/duavoice/internal/webhook"
)

const (
	testToken         = "long-enough-token"
	testWebhookSecret = "s3cret"
	testStripeSecret  = "whsec_test"
)

type countingGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *countingGenerator) Generate(_ context.Context, req generation.Request) (generation.Result, error) {
	g.calls.Add(1)
	if g.err != nil {
		return generation.Result{}, g.err
	}
	return generation.Result{Kind: req.Kind, Status: generation.StatusCompleted, Data: json.RawMessage(`{"url":"mock://x"}`)}, nil
}

type fixture struct {
	ts        *httptest.Server
	registry  *session.MemoryRegistry
	sessions  *session.Manager
	store     *credits.MemoryStore
	tracker   *generation.Tracker
	generator *countingGenerator
}

func newFixture(t *testing.T, mutate func(*config.Config, *Deps)) *fixture {
	t.Helper()
	cfg := config.Config{
		MetricsNamespace:     "test",
		SessionRateLimit:     3,
		SessionMaxDuration:   time.Minute,
		VoiceDefaultLanguage: "en",
		VoiceDefaultName:     "default-voice",
		LLMHistoryTurns:      8,
		WebhookSecret:        testWebhookSecret,
		WebhookTolerance:     300 * time.Second,
		StripeWebhookSecret:  testStripeSecret,
		GenerationTimeout:    5 * time.Second,
	}
	f := &fixture{
		registry:  session.NewMemoryRegistry(cfg.SessionRateLimit),
		sessions:  session.NewManager(),
		store:     credits.NewMemoryStore(),
		tracker:   generation.NewTracker(nil, nil),
		generator: &countingGenerator{},
	}
	gate := credits.NewGate(f.store, nil, nil, nil, nil)
	f.tracker.SetRefunder(gate)
	mock := voice.NewMockProvider()
	deps := Deps{
		Registry: f.registry,
		Sessions: f.sessions,
		Voice: voice.Deps{
			STT:    mock,
			TTS:    mock,
			LLM:    llm.NewMockProvider(),
			Memory: memory.NewInMemoryStore(),
		},
		Tokens:   policy.VoiceTokenPolicy{MinLength: 10},
		Credits:  gate,
		Generate: generation.NewRouter(map[string]generation.Generator{"music": f.generator, "image": f.generator}),
		Tracker:  f.tracker,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	if r, ok := deps.Registry.(*session.MemoryRegistry); ok {
		f.registry = r
	}
	f.ts = httptest.NewServer(New(cfg, deps).Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/voice?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wsEvent struct {
	binary bool
	data   []byte
	msg    map[string]any
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) (wsEvent, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return wsEvent{}, err
	}
	if typ == websocket.BinaryMessage {
		return wsEvent{binary: true, data: data}, nil
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return wsEvent{msg: msg}, nil
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close frame %d", err, code)
		}
		if ce.Code != code || ce.Text != reason {
			t.Fatalf("close = %d %q, want %d %q", ce.Code, ce.Text, code, reason)
		}
		return
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestVoiceRejectsShortToken(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "userId=u1&token=short")

	expectClose(t, conn, websocket.ClosePolicyViolation, "invalid token")
	if n := f.registry.ActiveCount(); n != 0 {
		t.Fatalf("registry ActiveCount = %d, want 0", n)
	}
	if n := f.sessions.ActiveCount(); n != 0 {
		t.Fatalf("sessions ActiveCount = %d, want 0", n)
	}
}

func TestVoiceRejectsOverLimit(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		d.Registry = session.NewMemoryRegistry(1)
	})
	first := f.dial(t, "userId=u1&token="+testToken)
	ev, err := readEvent(t, first, 2*time.Second)
	if err != nil || ev.msg["type"] != "connected" {
		t.Fatalf("first event = %+v, %v; want connected", ev.msg, err)
	}

	second := f.dial(t, "userId=u1&token="+testToken)
	expectClose(t, second, websocket.ClosePolicyViolation, "session limit exceeded")
	if got := f.registry.UserSessions("u1"); len(got) != 1 {
		t.Fatalf("UserSessions = %v, want the first session only", got)
	}

	_ = first.Close()
	waitFor(t, "registry release", func() bool { return !f.registry.HasUser("u1") })
}

func TestVoiceAudioThenStop(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "userId=u1&token="+testToken)

	ev, err := readEvent(t, conn, 2*time.Second)
	if err != nil || ev.msg["type"] != "connected" {
		t.Fatalf("first event = %+v, %v; want connected", ev.msg, err)
	}
	sessionID, _ := ev.msg["sessionId"].(string)

	for i := range 3 {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	transcripts, sawStopping, backToListening := 0, false, false
	for !(backToListening && transcripts == 3) {
		ev, err := readEvent(t, conn, 2*time.Second)
		if err != nil {
			t.Fatalf("read: %v (transcripts=%d stopping=%v listening=%v)", err, transcripts, sawStopping, backToListening)
		}
		if ev.binary {
			t.Fatalf("received %d bytes of audio, want none", len(ev.data))
		}
		switch ev.msg["type"] {
		case "transcript":
			transcripts++
			if ev.msg["isFinal"] != false {
				t.Fatalf("transcript = %+v, want partial", ev.msg)
			}
		case "status":
			switch ev.msg["state"] {
			case "stopping":
				sawStopping = true
			case "listening":
				if sawStopping {
					backToListening = true
				}
			}
		}
	}

	snap, err := f.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	if snap.State != session.StateListening {
		t.Fatalf("session state = %s, want listening", snap.State)
	}

	// Nothing else should follow, audio included.
	if ev, err := readEvent(t, conn, 200*time.Millisecond); err == nil {
		t.Fatalf("unexpected event after stop: binary=%v msg=%+v", ev.binary, ev.msg)
	}
}

func TestVoiceTextTurnStreamsAudio(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "userId=u1&token="+testToken)
	if ev, err := readEvent(t, conn, 2*time.Second); err != nil || ev.msg["type"] != "connected" {
		t.Fatalf("first event = %+v, %v; want connected", ev.msg, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text","text":"make a song"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}

	var audio, responses int
	for {
		ev, err := readEvent(t, conn, 3*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.binary {
			audio++
			continue
		}
		if ev.msg["type"] == "response" {
			responses++
		}
		if ev.msg["type"] == "turn_end" {
			if ev.msg["reason"] != "completed" {
				t.Fatalf("turn_end = %+v, want completed", ev.msg)
			}
			break
		}
	}
	if responses == 0 || audio == 0 {
		t.Fatalf("responses=%d audio=%d, want both > 0", responses, audio)
	}
}

func TestVoiceInvalidMessageKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, "userId=u1&token="+testToken)
	if _, err := readEvent(t, conn, 2*time.Second); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))

	for {
		ev, err := readEvent(t, conn, 2*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.msg["type"] == "error" {
			if ev.msg["code"] != "invalid_client_message" || ev.msg["source"] != "client" {
				t.Fatalf("error event = %+v", ev.msg)
			}
			break
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("connection closed after invalid message: %v", err)
	}
}

func TestVoiceTimeoutPrecedesClose(t *testing.T) {
	f := newFixture(t, func(c *config.Config, _ *Deps) {
		c.SessionMaxDuration = 300 * time.Millisecond
	})
	conn := f.dial(t, "userId=u1&token="+testToken)

	sawTimeout := false
	for {
		ev, err := readEvent(t, conn, 3*time.Second)
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read error = %v, want close frame", err)
			}
			if !sawTimeout {
				t.Fatalf("socket closed before timeout event")
			}
			break
		}
		if ev.msg["type"] == "timeout" {
			sawTimeout = true
		}
	}
	waitFor(t, "registry release", func() bool { return f.registry.ActiveCount() == 0 })
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func TestCreditsCheckInsufficientSkipsGeneration(t *testing.T) {
	f := newFixture(t, nil)
	_, _ = f.store.Credit(context.Background(), "u1", 10, credits.OpGrant, "")

	res, body := postJSON(t, f.ts.URL+"/api/credits/check", map[string]string{"userId": "u1", "operation": "music"})
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("check status = %d, want 402", res.StatusCode)
	}
	if body["hasCredits"] != false || body["required"] != float64(30) || body["current"] != float64(10) || body["deficit"] != float64(20) {
		t.Fatalf("check body = %+v", body)
	}

	res, body = postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": "lofi"})
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("generate status = %d, want 402", res.StatusCode)
	}
	if body["success"] != false || body["error"] != "insufficient_credits" || body["deficit"] != float64(20) {
		t.Fatalf("generate body = %+v", body)
	}
	if n := f.generator.calls.Load(); n != 0 {
		t.Fatalf("generator calls = %d, want 0", n)
	}
	if bal, _ := f.store.Balance(context.Background(), "u1"); bal != 10 {
		t.Fatalf("balance = %d, want 10", bal)
	}
}

func TestCreditsCheckValidation(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := postJSON(t, f.ts.URL+"/api/credits/check", map[string]string{"userId": "u1"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	res, _ = postJSON(t, f.ts.URL+"/api/credits/check", map[string]string{"userId": "u1", "operation": "teleport"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown operation status = %d, want 400", res.StatusCode)
	}
}

func TestGenerateChargesOnSuccess(t *testing.T) {
	f := newFixture(t, nil)
	_, _ = f.store.Credit(context.Background(), "u1", 100, credits.OpGrant, "")

	res, body := postJSON(t, f.ts.URL+"/api/generate/image", map[string]string{"userId": "u1", "prompt": "a fox"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %+v)", res.StatusCode, body)
	}
	if body["code"] != float64(200) || body["msg"] != "success" {
		t.Fatalf("body = %+v", body)
	}
	if bal, _ := f.store.Balance(context.Background(), "u1"); bal != 90 {
		t.Fatalf("balance = %d, want 90", bal)
	}

	getRes, err := http.Get(f.ts.URL + "/api/credits/balance?userId=u1")
	if err != nil {
		t.Fatalf("GET balance: %v", err)
	}
	defer getRes.Body.Close()
	var bal map[string]any
	_ = json.NewDecoder(getRes.Body).Decode(&bal)
	if bal["balance"] != float64(90) {
		t.Fatalf("balance body = %+v", bal)
	}
}

func TestGenerateMirrorsVendorStatusAndRefunds(t *testing.T) {
	f := newFixture(t, nil)
	f.generator.err = &generation.VendorError{Kind: "music", Status: http.StatusTooManyRequests, Message: "quota exhausted"}
	_, _ = f.store.Credit(context.Background(), "u1", 100, credits.OpGrant, "")

	res, body := postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": "lofi"})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", res.StatusCode)
	}
	if body["error"] != "quota exhausted" {
		t.Fatalf("body = %+v", body)
	}
	if bal, _ := f.store.Balance(context.Background(), "u1"); bal != 100 {
		t.Fatalf("balance = %d, want 100 after refund", bal)
	}
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t, nil)
	res, _ := postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": " "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d, want 400", res.StatusCode)
	}
	res, _ = postJSON(t, f.ts.URL+"/api/generate/podcast", map[string]string{"userId": "u1", "prompt": "x"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown kind status = %d, want 404", res.StatusCode)
	}
	if n := f.generator.calls.Load(); n != 0 {
		t.Fatalf("generator calls = %d, want 0", n)
	}
}

func signedMusicCallback(t *testing.T, url string, body []byte, ts time.Time, secret string) *http.Response {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set(webhook.HeaderTimestamp, stamp)
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, stamp, body))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	res.Body.Close()
	return res
}

func TestMusicWebhookCompletesOperation(t *testing.T) {
	f := newFixture(t, nil)
	op := f.tracker.Create("music", "u1")
	url := f.ts.URL + "/api/webhooks/ai-music"
	body := []byte(`{"operationId":"` + op.ID + `","status":"completed","data":{"audioUrl":"https://cdn/a.mp3"}}`)

	if res := signedMusicCallback(t, url, body, time.Now(), "wrong"); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", res.StatusCode)
	}
	if res := signedMusicCallback(t, url, body, time.Now().Add(-301*time.Second), testWebhookSecret); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale status = %d, want 401", res.StatusCode)
	}
	if got, _ := f.tracker.Get(op.ID); got.Status != generation.StatusPending {
		t.Fatalf("status after rejected callbacks = %s, want pending", got.Status)
	}

	if res := signedMusicCallback(t, url, body, time.Now(), testWebhookSecret); res.StatusCode != http.StatusOK {
		t.Fatalf("valid callback status = %d, want 200", res.StatusCode)
	}

	for query, want := range map[string]int{"": http.StatusBadRequest, "?userId=u2": http.StatusNotFound} {
		res, err := http.Get(f.ts.URL + "/api/generate/operations/" + op.ID + query)
		if err != nil {
			t.Fatalf("GET operation%s: %v", query, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("GET operation%s status = %d, want %d", query, res.StatusCode, want)
		}
	}

	getRes, err := http.Get(f.ts.URL + "/api/generate/operations/" + op.ID + "?userId=u1")
	if err != nil {
		t.Fatalf("GET operation: %v", err)
	}
	defer getRes.Body.Close()
	var out struct {
		Data generation.Operation `json:"data"`
	}
	_ = json.NewDecoder(getRes.Body).Decode(&out)
	if out.Data.Status != generation.StatusCompleted || !strings.Contains(string(out.Data.Result), "a.mp3") {
		t.Fatalf("operation = %+v", out.Data)
	}
}

func musicVendor(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(vendor.Close)
	return vendor
}

func withVendorMusic(url string) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) {
		d.Generate = generation.NewRouter(map[string]generation.Generator{
			"music": generation.NewVendorGenerator("music", url, "", 5*time.Second, d.Tracker),
		})
	}
}

func TestFailedMusicCallbackRefundsCharge(t *testing.T) {
	vendor := musicVendor(t, http.StatusOK, `{"taskId":"vt-1"}`)
	f := newFixture(t, withVendorMusic(vendor.URL))
	ctx := context.Background()
	_, _ = f.store.Credit(ctx, "u1", 30, credits.OpGrant, "")

	res, body := postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": "lofi"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate status = %d, want 200 (body %+v)", res.StatusCode, body)
	}
	if bal, _ := f.store.Balance(ctx, "u1"); bal != 0 {
		t.Fatalf("balance after accepted job = %d, want 0", bal)
	}

	url := f.ts.URL + "/api/webhooks/ai-music"
	failed := []byte(`{"taskId":"vt-1","status":"failed","error":"vendor crashed"}`)
	for i := 0; i < 2; i++ {
		if res := signedMusicCallback(t, url, failed, time.Now(), testWebhookSecret); res.StatusCode != http.StatusOK {
			t.Fatalf("callback %d status = %d, want 200", i, res.StatusCode)
		}
	}
	if bal, _ := f.store.Balance(ctx, "u1"); bal != 30 {
		t.Fatalf("balance after failed job = %d, want 30", bal)
	}
}

func TestCompletedMusicCallbackKeepsCharge(t *testing.T) {
	vendor := musicVendor(t, http.StatusOK, `{"taskId":"vt-2"}`)
	f := newFixture(t, withVendorMusic(vendor.URL))
	ctx := context.Background()
	_, _ = f.store.Credit(ctx, "u1", 30, credits.OpGrant, "")

	postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": "lofi"})
	done := []byte(`{"taskId":"vt-2","status":"completed","data":{"audioUrl":"https://cdn/b.mp3"}}`)
	signedMusicCallback(t, f.ts.URL+"/api/webhooks/ai-music", done, time.Now(), testWebhookSecret)
	if bal, _ := f.store.Balance(ctx, "u1"); bal != 0 {
		t.Fatalf("balance after completed job = %d, want 0", bal)
	}
}

func TestRejectedMusicJobRefundsOnce(t *testing.T) {
	vendor := musicVendor(t, http.StatusServiceUnavailable, `{"message":"busy"}`)
	f := newFixture(t, withVendorMusic(vendor.URL))
	ctx := context.Background()
	_, _ = f.store.Credit(ctx, "u1", 30, credits.OpGrant, "")

	res, _ := postJSON(t, f.ts.URL+"/api/generate/music", map[string]string{"userId": "u1", "prompt": "lofi"})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}
	if bal, _ := f.store.Balance(ctx, "u1"); bal != 30 {
		t.Fatalf("balance = %d, want 30 (refunded exactly once)", bal)
	}
}

func TestStripeWebhookGrantsOnce(t *testing.T) {
	f := newFixture(t, nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","metadata":{"user_id":"u1","credits":"40"}}}}`)

	send := func() map[string]any {
		signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
			Payload:   payload,
			Secret:    testStripeSecret,
			Timestamp: time.Now(),
		})
		req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/webhooks/stripe", bytes.NewReader(signed.Payload))
		req.Header.Set("Stripe-Signature", signed.Header)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST stripe webhook: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.StatusCode)
		}
		var out map[string]any
		_ = json.NewDecoder(res.Body).Decode(&out)
		return out
	}

	send()
	if dup := send(); dup["duplicate"] != true {
		t.Fatalf("replay body = %+v, want duplicate", dup)
	}
	if bal, _ := f.store.Balance(context.Background(), "u1"); bal != 40 {
		t.Fatalf("balance = %d, want 40", bal)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, d *Deps) {
		d.Ready = []Checker{{Name: "credits", Check: func(context.Context) error { return errors.New("down") }}}
	})

	res, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health healthResponse
	_ = json.NewDecoder(res.Body).Decode(&health)
	res.Body.Close()
	if health.Status != "ok" || health.Goroutines == 0 || health.Memory.SysBytes == 0 {
		t.Fatalf("health = %+v", health)
	}

	res, err = http.Get(f.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", res.StatusCode)
	}
}
