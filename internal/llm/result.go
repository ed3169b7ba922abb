package llm

import (
	"fmt"
	"strings"
)

// ErrorKind classifies why a chat call did not produce an answer.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindAPI       ErrorKind = "api"
	KindMalformed ErrorKind = "malformed"
	KindCanceled  ErrorKind = "canceled"
)

// Error describes a failed chat call.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("chat api http %d: %s", e.StatusCode, e.Body)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("chat %s error: %v", e.Kind, e.Cause)
		}
		return fmt.Sprintf("chat %s error", e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Source tells where a result's text came from.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
	SourceFallback  Source = "fallback"
)

// Result is the outcome of one chat call. Text is always displayable: the
// answer on success, a diagnostic when Err is set.
type Result struct {
	Text   string
	Err    *Error
	Source Source

	// Partial holds streamed text received before a failure.
	Partial string
}

func (r Result) OK() bool {
	return r.Err == nil
}

func success(text string) Result {
	return Result{Text: text, Source: SourceRemote}
}

func failed(e *Error) Result {
	return Result{Text: describe(e), Err: e, Source: SourceRemote}
}

// describe renders a user-facing diagnostic for e.
func describe(e *Error) string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("AI 服务返回错误 (HTTP %d): %s", e.StatusCode, strings.TrimSpace(e.Body))
	case KindCanceled:
		return "请求已取消。"
	case KindMalformed:
		return fmt.Sprintf("AI 服务响应格式异常: %v", e.Cause)
	default:
		return fmt.Sprintf("无法连接 AI 服务: %v", e.Cause)
	}
}
