package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by Replies once every reply has been used.
var ErrScriptExhausted = errors.New("scripted client: no replies left")

// ScriptedClient is an in-memory Client for tests.
// It records every request and answers through a handler.
type ScriptedClient struct {
	mu      sync.Mutex
	handler func(req Request) (string, error)
	calls   []Request
}

// NewScriptedClient creates a client answering with handler.
func NewScriptedClient(handler func(req Request) (string, error)) *ScriptedClient {
	return &ScriptedClient{handler: handler}
}

// Replies returns a handler yielding each reply once, in order.
func Replies(replies ...string) func(Request) (string, error) {
	var mu sync.Mutex
	next := 0
	return func(Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(replies) {
			return "", ErrScriptExhausted
		}
		r := replies[next]
		next++
		return r, nil
	}
}

// Generate records req and returns the handler's answer.
func (s *ScriptedClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.handler(req)
}

// Calls returns a copy of all recorded requests.
func (s *ScriptedClient) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of recorded requests.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
