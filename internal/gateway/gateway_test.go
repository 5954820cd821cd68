package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fitaja/livia-gateway/internal/chat"
	"github.com/fitaja/livia-gateway/internal/gemini"
	"github.com/fitaja/livia-gateway/internal/session"
	"github.com/fitaja/livia-gateway/internal/tokens"
	"github.com/fitaja/livia-gateway/internal/usage"
)

type fakeGenerator struct {
	mu       sync.Mutex
	requests []gemini.Request
	resp     *gemini.Response
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeAccountant struct {
	mu      sync.Mutex
	records []usage.Record
}

func (f *fakeAccountant) Log(rec usage.Record) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
}

func newTestOrchestrator(t *testing.T, gen *fakeGenerator, acc *fakeAccountant) (*Orchestrator, *session.Store) {
	t.Helper()
	store := session.NewStore(time.Hour, time.Minute, nil)
	var a Accountant
	if acc != nil {
		a = acc
	}
	return New(store, gen, a, "gemini-2.0-flash", 5*time.Second, nil), store
}

func TestChatFirstTurn(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{
		Text: `{"html":"<p>Hai!</p>"}`,
		Usage: gemini.Usage{
			PromptTokens:     210,
			CandidatesTokens: 30,
			ThoughtsTokens:   5,
			TotalTokens:      245,
		},
	}}
	acc := &fakeAccountant{}
	o, store := newTestOrchestrator(t, gen, acc)

	res, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if res.HTML != "<p>Hai!</p>" {
		t.Errorf("html = %q", res.HTML)
	}
	if res.SessionID != "S1" {
		t.Errorf("session id = %q", res.SessionID)
	}
	if res.OutputTokens != 35 || res.TotalTokens != 245 {
		t.Errorf("tokens = %+v", res)
	}

	// Upstream saw the single-shot framing.
	if want := chat.Persona + "User: halo\nLivia:"; gen.requests[0].Prompt != want {
		t.Errorf("upstream prompt = %q, want %q", gen.requests[0].Prompt, want)
	}

	// The stored response carries exactly one marker.
	sess := store.Get("S1")
	if sess == nil || len(sess.Turns) != 1 {
		t.Fatalf("session = %+v", sess)
	}
	if got := sess.Turns[0].Response; got != "Livia: <p>Hai!</p>" {
		t.Errorf("stored response = %q, want %q", got, "Livia: <p>Hai!</p>")
	}

	// Accounting dispatched with reconciled figures.
	if len(acc.records) != 1 {
		t.Fatalf("accounting records = %d", len(acc.records))
	}
	rec := acc.records[0]
	personaTokens := tokens.Estimate(chat.Persona)
	if rec.PersonaTokens != personaTokens {
		t.Errorf("persona tokens = %d, want %d", rec.PersonaTokens, personaTokens)
	}
	if rec.InputTextTokens != max(0, 210-personaTokens) {
		t.Errorf("input text tokens = %d", rec.InputTextTokens)
	}
	if rec.Type != usage.TypeTextOnly || rec.InputImageTokens != 0 {
		t.Errorf("record = %+v", rec)
	}
	if res.InputTokens != rec.PersonaTokens+rec.InputTextTokens {
		t.Errorf("input tokens = %d", res.InputTokens)
	}
}

func TestChatSecondTurnReplaysHistory(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: `{"html":"<p>Hai! Aku Livia. Jawaban.</p>"}`}}
	o, store := newTestOrchestrator(t, gen, nil)

	if _, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"}); err != nil {
		t.Fatalf("first Chat: %v", err)
	}

	gen.resp = &gemini.Response{Text: `{"html":"<p>Hai! Aku Livia. Lagi?</p>"}`}
	if _, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "lanjut"}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	second := gen.requests[1].Prompt
	if !strings.Contains(second, "User: halo\n") || !strings.Contains(second, "User: lanjut\n") {
		t.Errorf("second prompt missing history:\n%s", second)
	}
	if strings.Contains(second, chat.Greeting) {
		t.Error("greeting replayed into history")
	}

	sess := store.Get("S1")
	if len(sess.Turns) != 2 {
		t.Fatalf("turns = %d", len(sess.Turns))
	}
	got := sess.Turns[1].Response
	if !strings.HasPrefix(got, "Livia: ") || strings.Contains(got, chat.Greeting) {
		t.Errorf("second stored response = %q", got)
	}
}

func TestChatMintsSessionKey(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: "<p>ok</p>"}}
	o, store := newTestOrchestrator(t, gen, nil)

	res, err := o.Chat(context.Background(), Request{Prompt: "halo"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.HasPrefix(res.SessionID, session.KeyPrefix) {
		t.Errorf("minted key = %q", res.SessionID)
	}
	if store.Get(res.SessionID) == nil {
		t.Error("minted session not persisted")
	}
}

func TestChatCachedOutputShortCircuit(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: `{"html":"<p>fresh</p>"}`}}
	o, store := newTestOrchestrator(t, gen, nil)

	if _, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	res, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"})
	if err != nil {
		t.Fatalf("duplicate Chat: %v", err)
	}

	if !res.Cached || res.HTML != "<p>fresh</p>" {
		t.Errorf("result = %+v, want cached fresh html", res)
	}
	if len(gen.requests) != 1 {
		t.Errorf("upstream calls = %d, want 1", len(gen.requests))
	}
	if got := len(store.Get("S1").Turns); got != 1 {
		t.Errorf("turns = %d, cached hit must not append", got)
	}
}

func TestChatImageRequestBypassesOutputCache(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: `{"html":"<p>a</p>"}`}}
	acc := &fakeAccountant{}
	o, _ := newTestOrchestrator(t, gen, acc)

	img := []byte{0xFF, 0xD8}
	req := Request{
		SessionID: "S1", Prompt: "apa ini?",
		Image: img, ImageMIME: "image/jpeg",
		FileSizeMB: 0.25,
	}
	if _, err := o.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, err := o.Chat(context.Background(), req); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if len(gen.requests) != 2 {
		t.Errorf("upstream calls = %d, image requests must not hit the output cache", len(gen.requests))
	}
	if gen.requests[0].ImageMIME != "image/jpeg" || len(gen.requests[0].Image) != 2 {
		t.Errorf("upstream request = %+v", gen.requests[0])
	}
	if acc.records[0].Type != usage.TypeTextAndImage || acc.records[0].FileSizeMB != 0.25 {
		t.Errorf("record = %+v", acc.records[0])
	}
}

func TestChatImageTokenReconciliation(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{
		Text:  `{"html":"<p>ok</p>"}`,
		Usage: gemini.Usage{PromptTokens: 500, CandidatesTokens: 10, TotalTokens: 510},
	}}
	acc := &fakeAccountant{}
	o, _ := newTestOrchestrator(t, gen, acc)

	_, err := o.Chat(context.Background(), Request{
		SessionID: "S1", Prompt: "apa ini?",
		Image: []byte{1}, ImageMIME: "image/png",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	rec := acc.records[0]
	textTokens := tokens.Estimate(gen.requests[0].Prompt)
	if want := max(0, 500-textTokens); rec.InputImageTokens != want {
		t.Errorf("image tokens = %d, want %d", rec.InputImageTokens, want)
	}
	if want := max(0, textTokens-rec.PersonaTokens); rec.InputTextTokens != want {
		t.Errorf("text tokens = %d, want %d", rec.InputTextTokens, want)
	}
}

func TestChatUpstreamStatusErrorPassesThrough(t *testing.T) {
	gen := &fakeGenerator{err: &gemini.StatusError{StatusCode: http.StatusTooManyRequests, Body: "quota"}}
	o, _ := newTestOrchestrator(t, gen, nil)

	_, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"})
	var se *gemini.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err = %v, want wrapped *StatusError 429", err)
	}
}

func TestChatEmptyUpstreamResponse(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: "  "}}
	o, store := newTestOrchestrator(t, gen, nil)

	_, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"})
	if !errors.Is(err, chat.ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}

	// The user turn stays recorded with no response.
	sess := store.Get("S1")
	if sess == nil || len(sess.Turns) != 1 || sess.Turns[0].Response != "" {
		t.Errorf("session = %+v", sess)
	}
}

func TestChatSingleAttempt(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("dial tcp: connection refused")}
	o, _ := newTestOrchestrator(t, gen, nil)

	if _, err := o.Chat(context.Background(), Request{SessionID: "S1", Prompt: "halo"}); err == nil {
		t.Fatal("expected error")
	}
	if len(gen.requests) != 1 {
		t.Errorf("upstream attempts = %d, want exactly 1", len(gen.requests))
	}
}

func TestChatConcurrentSameSession(t *testing.T) {
	gen := &fakeGenerator{resp: &gemini.Response{Text: "<p>ok</p>"}}
	o, store := newTestOrchestrator(t, gen, nil)

	// Image requests skip the output cache, so every call appends.
	var wg sync.WaitGroup
	const n = 10
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Chat(context.Background(), Request{
				SessionID: "S1", Prompt: "halo",
				Image: []byte{1}, ImageMIME: "image/png",
			})
			if err != nil {
				t.Errorf("Chat: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(store.Get("S1").Turns); got != n {
		t.Errorf("turns = %d, want %d (no lost appends)", got, n)
	}
}
