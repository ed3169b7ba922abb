// Package session runs one multi-turn advisory conversation: it turns a
// question plus transaction history into a chat request, forwards the
// streamed answer through a Dispatcher and falls back to the local
// heuristic advisor when the remote endpoint cannot answer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/stellarlinkco/fintrack/internal/advisor"
	"github.com/stellarlinkco/fintrack/internal/conversation"
	"github.com/stellarlinkco/fintrack/internal/finance"
	"github.com/stellarlinkco/fintrack/internal/llm"
)

var (
	ErrBusy   = errors.New("session is awaiting a response")
	ErrClosed = errors.New("session closed")
)

type State int

const (
	Idle State = iota
	AwaitingResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChatClient is the remote half of a session. *llm.Client implements it.
type ChatClient interface {
	Stream(ctx context.Context, messages []conversation.Message, onFragment func(string)) llm.Result
	Complete(ctx context.Context, messages []conversation.Message) llm.Result
}

// Submitter accepts background work without blocking. *worker.Pool
// implements it.
type Submitter interface {
	Submit(task func()) error
}

type Options struct {
	Client        ChatClient
	Advisor       *advisor.Advisor
	Preamble      string
	Dispatcher    Dispatcher
	Pool          Submitter
	RemoteEnabled bool
	Streaming     bool

	// MaxHistory caps how many non-system messages are sent per request.
	// Zero sends the whole log.
	MaxHistory int
}

type Session struct {
	client     ChatClient
	advisor    *advisor.Advisor
	dispatcher Dispatcher
	pool       Submitter
	maxHistory int
	conv       *conversation.State

	mu         sync.Mutex
	state      State
	closed     bool
	remote     bool
	streaming  bool
	cancel     context.CancelFunc
	onFragment func(string)
	onComplete func(llm.Result)
}

func New(opts Options) *Session {
	adv := opts.Advisor
	if adv == nil {
		adv = advisor.New()
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = Inline{}
	}
	return &Session{
		client:     opts.Client,
		advisor:    adv,
		dispatcher: dispatcher,
		pool:       opts.Pool,
		maxHistory: opts.MaxHistory,
		conv:       conversation.NewState(opts.Preamble),
		remote:     opts.RemoteEnabled,
		streaming:  opts.Streaming,
	}
}

// OnFragment registers the callback for streamed text. It runs through the
// session's Dispatcher.
func (s *Session) OnFragment(fn func(string)) {
	s.mu.Lock()
	s.onFragment = fn
	s.mu.Unlock()
}

// OnComplete registers the callback fired exactly once per accepted Ask.
func (s *Session) OnComplete(fn func(llm.Result)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

func (s *Session) SetRemoteEnabled(enabled bool) {
	s.mu.Lock()
	s.remote = enabled
	s.mu.Unlock()
}

func (s *Session) RemoteEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) SetStreaming(enabled bool) {
	s.mu.Lock()
	s.streaming = enabled
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation, preamble first.
func (s *Session) History() []conversation.Message {
	return s.conv.Messages()
}

// Ask starts one advisory turn. It returns ErrBusy while a previous turn is
// outstanding and ErrClosed after Close; rejected calls fire no callbacks.
// The answer arrives through the registered callbacks.
func (s *Session) Ask(ctx context.Context, text string, txs []finance.Transaction) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Idle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.conv.Append(conversation.RoleUser, finance.FormatContext(text, txs))
	s.state = AwaitingResponse
	remote := s.remote && s.client != nil
	streaming := s.streaming
	reqCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	messages := s.conv.Window(s.maxHistory)
	s.mu.Unlock()

	if !remote {
		s.finish(llm.Result{Text: s.advisor.ChatAdvice(text, txs), Source: llm.SourceHeuristic})
		return nil
	}

	task := func() {
		finished := false
		defer func() {
			if r := recover(); r != nil && !finished {
				log.Printf("[session] request panic: %v, answering locally", r)
				s.finish(s.fallback(&llm.Error{Kind: llm.KindTransport, Cause: fmt.Errorf("request panic: %v", r)}, text, txs))
			}
		}()
		res := s.request(reqCtx, messages, streaming, text, txs)
		finished = true
		s.finish(res)
	}
	if s.pool == nil {
		go task()
		return nil
	}
	if err := s.pool.Submit(task); err != nil {
		log.Printf("[session] submit request: %v, answering locally", err)
		s.finish(s.fallback(&llm.Error{Kind: llm.KindTransport, Cause: fmt.Errorf("submit request: %w", err)}, text, txs))
	}
	return nil
}

func (s *Session) request(ctx context.Context, messages []conversation.Message, streaming bool, text string, txs []finance.Transaction) llm.Result {
	delivered := false

	var res llm.Result
	if streaming {
		res = s.client.Stream(ctx, messages, func(fragment string) {
			delivered = true
			s.dispatcher.Dispatch(func() {
				if fn := s.fragmentHandler(); fn != nil {
					fn(fragment)
				}
			})
		})
	} else {
		res = s.client.Complete(ctx, messages)
	}

	if res.OK() || delivered {
		return res
	}
	switch res.Err.Kind {
	case llm.KindTransport, llm.KindMalformed:
		log.Printf("[session] remote %s failure, answering locally: %v", res.Err.Kind, res.Err)
		fb := s.fallback(res.Err, text, txs)
		fb.Partial = res.Partial
		return fb
	default:
		return res
	}
}

func (s *Session) fallback(cause *llm.Error, text string, txs []finance.Transaction) llm.Result {
	return llm.Result{
		Text:   s.advisor.ChatAdvice(text, txs),
		Err:    cause,
		Source: llm.SourceFallback,
	}
}

// finish dispatches the single completion step: record the assistant turn,
// return to Idle, then tell the caller. Running it through the dispatcher
// keeps it behind every fragment of the same turn.
func (s *Session) finish(res llm.Result) {
	s.dispatcher.Dispatch(func() {
		s.mu.Lock()
		s.conv.Append(conversation.RoleAssistant, res.Text)
		s.state = Idle
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		fn := s.onComplete
		s.mu.Unlock()

		if fn != nil {
			fn(res)
		}
	})
}

func (s *Session) fragmentHandler() func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFragment
}

// Reset clears the conversation back to the preamble. Only allowed while
// Idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != Idle {
		return ErrBusy
	}
	s.conv.Reset()
	return nil
}

// Cancel aborts the outstanding request, if any. The turn still completes
// with a canceled diagnostic.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels any outstanding request and makes further Ask and Reset
// calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
