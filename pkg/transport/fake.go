package transport

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Conn. Each Write is passed to Handler and whatever
// it returns becomes readable. Reads with nothing pending return ErrTimeout.
type Fake struct {
	mu       sync.Mutex
	Handler  func(req []byte) []byte
	pending  bytes.Buffer
	requests [][]byte
	timeout  time.Duration
	closed   bool

	// WriteErr, when set, fails every Write.
	WriteErr error
}

// NewFake returns a Fake that answers writes with handler.
func NewFake(handler func(req []byte) []byte) *Fake {
	return &Fake{Handler: handler}
}

// LineScript answers line commands from a table. Unknown commands get no
// reply. The terminator is stripped before lookup and appended to replies.
func LineScript(term string, replies map[string]string) func([]byte) []byte {
	return func(req []byte) []byte {
		cmd := strings.TrimSuffix(string(req), term)
		if resp, ok := replies[cmd]; ok {
			return []byte(resp + term)
		}
		return nil
	}
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.WriteErr != nil {
		return 0, f.WriteErr
	}
	f.requests = append(f.requests, append([]byte(nil), p...))
	if f.Handler != nil {
		f.pending.Write(f.Handler(p))
	}
	return len(p), nil
}

func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.pending.Len() == 0 {
		return 0, ErrTimeout
	}
	return f.pending.Read(p)
}

// Inject makes b readable without a preceding write.
func (f *Fake) Inject(b []byte) {
	f.mu.Lock()
	f.pending.Write(b)
	f.mu.Unlock()
}

func (f *Fake) Flush() error {
	f.mu.Lock()
	f.pending.Reset()
	f.mu.Unlock()
	return nil
}

func (f *Fake) SetReadTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Requests returns a copy of everything written so far.
func (f *Fake) Requests() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.requests))
	copy(out, f.requests)
	return out
}

// Lines returns the written requests as strings with term removed.
func (f *Fake) Lines(term string) []string {
	reqs := f.Requests()
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = strings.TrimSuffix(string(r), term)
	}
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
