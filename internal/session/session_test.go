package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/fintrack/internal/conversation"
	"github.com/stellarlinkco/fintrack/internal/finance"
	"github.com/stellarlinkco/fintrack/internal/llm"
	"github.com/stellarlinkco/fintrack/internal/worker"
)

type fakeClient struct {
	mu        sync.Mutex
	fragments []string
	result    llm.Result
	block     chan struct{}
	calls     int
	streamed  bool
	lastMsgs  []conversation.Message
}

func (f *fakeClient) Stream(ctx context.Context, msgs []conversation.Message, onFragment func(string)) llm.Result {
	f.record(msgs, true)
	for _, frag := range f.fragments {
		onFragment(frag)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return llm.Result{Text: "请求已取消。", Err: &llm.Error{Kind: llm.KindCanceled, Cause: ctx.Err()}, Partial: strings.Join(f.fragments, "")}
		}
	}
	if f.result.Text == "" && f.result.Err == nil {
		return llm.Result{Text: strings.Join(f.fragments, ""), Source: llm.SourceRemote}
	}
	return f.result
}

func (f *fakeClient) Complete(ctx context.Context, msgs []conversation.Message) llm.Result {
	f.record(msgs, false)
	return f.result
}

func (f *fakeClient) record(msgs []conversation.Message, streamed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.streamed = streamed
	f.lastMsgs = msgs
}

type recorder struct {
	mu        sync.Mutex
	fragments []string
	results   []llm.Result
	done      chan llm.Result
}

func newRecorder(s *Session) *recorder {
	r := &recorder{done: make(chan llm.Result, 4)}
	s.OnFragment(func(f string) {
		r.mu.Lock()
		r.fragments = append(r.fragments, f)
		r.mu.Unlock()
	})
	s.OnComplete(func(res llm.Result) {
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
		r.done <- res
	})
	return r
}

func (r *recorder) wait(t *testing.T) llm.Result {
	t.Helper()
	select {
	case res := <-r.done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return llm.Result{}
	}
}

func sampleTxs() []finance.Transaction {
	now := time.Now()
	return []finance.Transaction{
		{Date: now.AddDate(0, 0, -3), Amount: 2000, Category: "工资", Description: "salary"},
		{Date: now.AddDate(0, 0, -2), Amount: -100, Category: "餐饮", Description: "lunch"},
		{Date: now.AddDate(0, 0, -1), Amount: -50, Category: "交通", Description: "metro"},
	}
}

func TestSession_StreamingCompletion(t *testing.T) {
	client := &fakeClient{fragments: []string{"Hel", "lo, ", "world"}}
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true})
	rec := newRecorder(s)

	if err := s.Ask(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	res := rec.wait(t)

	if !res.OK() || res.Text != "Hello, world" {
		t.Fatalf("result = %+v", res)
	}
	rec.mu.Lock()
	joined := strings.Join(rec.fragments, "")
	rec.mu.Unlock()
	if joined != res.Text {
		t.Errorf("fragments %q do not concatenate to %q", joined, res.Text)
	}
	if s.State() != Idle {
		t.Errorf("state = %v, want idle", s.State())
	}

	history := s.History()
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if history[1].Role != conversation.RoleUser || history[2].Role != conversation.RoleAssistant {
		t.Errorf("roles = %v, %v", history[1].Role, history[2].Role)
	}
	if history[2].Content != "Hello, world" {
		t.Errorf("assistant content = %q", history[2].Content)
	}
}

func TestSession_UserTurnCarriesContext(t *testing.T) {
	client := &fakeClient{result: llm.Result{Text: "ok", Source: llm.SourceRemote}}
	s := New(Options{Client: client, RemoteEnabled: true})
	rec := newRecorder(s)

	s.Ask(context.Background(), "本月怎么样", sampleTxs())
	rec.wait(t)

	if client.streamed {
		t.Error("non-streaming session should call Complete")
	}
	last := client.lastMsgs[len(client.lastMsgs)-1]
	if last.Role != conversation.RoleUser || !strings.Contains(last.Content, "[最近交易记录]") {
		t.Errorf("user turn = %+v", last)
	}
	if client.lastMsgs[0].Role != conversation.RoleSystem {
		t.Error("request must start with the preamble")
	}
}

func TestSession_APIErrorIsDiagnostic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "server error")
	}))
	defer srv.Close()

	s := New(Options{
		Client:        llm.NewClient(llm.Options{BaseURL: srv.URL}),
		RemoteEnabled: true,
		Streaming:     true,
	})
	rec := newRecorder(s)

	s.Ask(context.Background(), "hello", sampleTxs())
	res := rec.wait(t)

	if res.OK() || res.Err.Kind != llm.KindAPI {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Text, "500") || !strings.Contains(res.Text, "server error") {
		t.Errorf("text = %q", res.Text)
	}
	if res.Source == llm.SourceFallback {
		t.Error("api errors must not be replaced by the heuristic answer")
	}
}

func TestSession_TransportFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := New(Options{
		Client:        llm.NewClient(llm.Options{BaseURL: url, ConnectTimeout: time.Second}),
		RemoteEnabled: true,
		Streaming:     true,
	})
	rec := newRecorder(s)

	s.Ask(context.Background(), "给我建议", sampleTxs())
	res := rec.wait(t)

	if res.Source != llm.SourceFallback {
		t.Fatalf("source = %q, want fallback", res.Source)
	}
	if res.Err == nil || res.Err.Kind != llm.KindTransport {
		t.Errorf("original error should be kept: %+v", res.Err)
	}
	if !strings.Contains(res.Text, "餐饮") {
		t.Errorf("fallback should be the heuristic summary, got %q", res.Text)
	}
}

func TestSession_NoFallbackAfterFragments(t *testing.T) {
	client := &fakeClient{
		fragments: []string{"部分"},
		result:    llm.Result{Text: "无法连接 AI 服务", Err: &llm.Error{Kind: llm.KindTransport}, Partial: "部分"},
	}
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true})
	rec := newRecorder(s)

	s.Ask(context.Background(), "hi", sampleTxs())
	res := rec.wait(t)
	if res.Source == llm.SourceFallback {
		t.Error("a partially streamed answer must not be replaced")
	}
}

func TestSession_RemoteDisabled(t *testing.T) {
	client := &fakeClient{}
	s := New(Options{Client: client, RemoteEnabled: false})
	rec := newRecorder(s)

	if err := s.Ask(context.Background(), "给我建议", sampleTxs()); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	res := rec.wait(t)

	if client.calls != 0 {
		t.Errorf("remote client called %d times", client.calls)
	}
	if res.Source != llm.SourceHeuristic || !res.OK() {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Text, "66.7%") {
		t.Errorf("text = %q", res.Text)
	}
	if s.State() != Idle {
		t.Error("local answer should return straight to idle")
	}
}

func TestSession_ToggleReadPerAsk(t *testing.T) {
	client := &fakeClient{result: llm.Result{Text: "remote", Source: llm.SourceRemote}}
	s := New(Options{Client: client, RemoteEnabled: false})
	rec := newRecorder(s)

	s.Ask(context.Background(), "hi", nil)
	if res := rec.wait(t); res.Source != llm.SourceHeuristic {
		t.Errorf("first source = %q", res.Source)
	}

	s.SetRemoteEnabled(true)
	s.Ask(context.Background(), "hi", nil)
	if res := rec.wait(t); res.Text != "remote" {
		t.Errorf("second result = %+v", res)
	}
}

func TestSession_BusyRejected(t *testing.T) {
	client := &fakeClient{fragments: []string{"a"}, block: make(chan struct{})}
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true})
	rec := newRecorder(s)

	if err := s.Ask(context.Background(), "first", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := s.Ask(context.Background(), "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping Ask err = %v, want ErrBusy", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("Reset while awaiting err = %v, want ErrBusy", err)
	}

	close(client.block)
	rec.wait(t)

	rec.mu.Lock()
	completions := len(rec.results)
	rec.mu.Unlock()
	if completions != 1 {
		t.Errorf("completions = %d, rejected calls must not fire callbacks", completions)
	}
	if len(s.History()) != 3 {
		t.Errorf("history len = %d, want 3", len(s.History()))
	}
}

func TestSession_ResetClearsToPreamble(t *testing.T) {
	s := New(Options{Preamble: "persona"})
	rec := newRecorder(s)

	for i := 0; i < 5; i++ {
		s.Ask(context.Background(), fmt.Sprintf("q%d", i), nil)
		rec.wait(t)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	history := s.History()
	if len(history) != 1 || history[0].Role != conversation.RoleSystem || history[0].Content != "persona" {
		t.Errorf("history after reset = %+v", history)
	}
	if err := s.Reset(); err != nil || len(s.History()) != 1 {
		t.Error("second Reset should leave one message")
	}
}

func TestSession_Cancel(t *testing.T) {
	client := &fakeClient{fragments: []string{"par"}, block: make(chan struct{})}
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true})
	rec := newRecorder(s)

	s.Ask(context.Background(), "long", nil)
	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	res := rec.wait(t)
	if res.Err == nil || res.Err.Kind != llm.KindCanceled {
		t.Fatalf("result = %+v", res)
	}
	if s.State() != Idle {
		t.Error("canceled turn should return to idle")
	}
}

func TestSession_Close(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true})
	rec := newRecorder(s)

	s.Ask(context.Background(), "x", nil)
	s.Close()
	res := rec.wait(t)
	if res.Err == nil || res.Err.Kind != llm.KindCanceled {
		t.Errorf("in-flight turn after Close = %+v", res)
	}

	if err := s.Ask(context.Background(), "y", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Ask after Close err = %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset after Close err = %v", err)
	}
}

func TestSession_QueueDispatcherOrdering(t *testing.T) {
	client := &fakeClient{fragments: []string{"1", "2", "3", "4"}}
	q := NewQueue()
	s := New(Options{Client: client, RemoteEnabled: true, Streaming: true, Dispatcher: q})

	var events []string
	s.OnFragment(func(f string) { events = append(events, f) })
	done := make(chan struct{})
	s.OnComplete(func(res llm.Result) {
		events = append(events, "done:"+res.Text)
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	s.Ask(context.Background(), "count", nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	want := "1,2,3,4,done:1234"
	if got := strings.Join(events, ","); got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestSession_AskFromOnComplete(t *testing.T) {
	s := New(Options{})
	q := NewQueue()
	s.dispatcher = q

	asks := 0
	s.OnComplete(func(llm.Result) {
		asks++
		if asks < 3 {
			if err := s.Ask(context.Background(), "again", nil); err != nil {
				t.Errorf("Ask from onComplete: %v", err)
			}
		}
	})

	s.Ask(context.Background(), "start", nil)
	q.Drain()

	if asks != 3 {
		t.Errorf("completions = %d, want 3", asks)
	}
}

func TestSession_PoolFullFallsBack(t *testing.T) {
	pool := worker.NewPool(1, 1)
	pool.Start()
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(func() {
		close(started)
		<-release
	})
	<-started
	defer close(release)
	if err := pool.Submit(func() {}); err != nil {
		t.Fatalf("fill queue: %v", err)
	}

	client := &fakeClient{}
	s := New(Options{Client: client, RemoteEnabled: true, Pool: pool})
	rec := newRecorder(s)

	s.Ask(context.Background(), "给我建议", sampleTxs())
	res := rec.wait(t)
	if res.Source != llm.SourceFallback || res.Err == nil {
		t.Errorf("result = %+v", res)
	}
	if !errors.Is(res.Err, worker.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull cause", res.Err)
	}
}

type panicClient struct {
	mu    sync.Mutex
	calls int
}

func (p *panicClient) Stream(ctx context.Context, msgs []conversation.Message, onFragment func(string)) llm.Result {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()
	if first {
		panic("stream exploded")
	}
	onFragment("ok")
	return llm.Result{Text: "ok", Source: llm.SourceRemote}
}

func (p *panicClient) Complete(ctx context.Context, msgs []conversation.Message) llm.Result {
	return p.Stream(ctx, msgs, func(string) {})
}

func TestSession_PanickingClientCompletes(t *testing.T) {
	pool := worker.NewPool(1, 4)
	pool.Start()
	defer pool.Stop()

	s := New(Options{Client: &panicClient{}, RemoteEnabled: true, Streaming: true, Pool: pool})
	rec := newRecorder(s)

	if err := s.Ask(context.Background(), "给我建议", sampleTxs()); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	res := rec.wait(t)
	if res.Err == nil || res.Err.Kind != llm.KindTransport || res.Source != llm.SourceFallback {
		t.Errorf("result = %+v", res)
	}
	if res.Text == "" {
		t.Error("expected a local answer after panic")
	}
	select {
	case extra := <-rec.done:
		t.Fatalf("unexpected second completion: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if s.State() != Idle {
		t.Fatalf("state = %v, want Idle", s.State())
	}

	if err := s.Ask(context.Background(), "再问一次", nil); err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if res := rec.wait(t); !res.OK() || res.Text != "ok" {
		t.Errorf("second result = %+v", res)
	}
}

func TestSession_MaxHistoryWindow(t *testing.T) {
	client := &fakeClient{result: llm.Result{Text: "ok", Source: llm.SourceRemote}}
	s := New(Options{Client: client, RemoteEnabled: true, MaxHistory: 2})
	rec := newRecorder(s)

	for i := 0; i < 3; i++ {
		s.Ask(context.Background(), fmt.Sprintf("q%d", i), nil)
		rec.wait(t)
	}
	if len(client.lastMsgs) != 3 {
		t.Errorf("request messages = %d, want preamble + 2", len(client.lastMsgs))
	}
	if len(s.History()) != 7 {
		t.Errorf("stored history = %d, want 7", len(s.History()))
	}
}
