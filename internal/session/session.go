// Package session tracks live sandbox sessions: one workspace, one optional
// browser, and any number of background processes per task. Sessions are
// created transparently on first use, destroyed explicitly or by the idle
// sweep, and a destroyed task ID can come back as a fresh session on the
// next call.
package session

import (
	"sync"
	"time"

	"github.com/jkaninda/boma/internal/browser"
	"github.com/jkaninda/boma/internal/sandbox"
)

// Session is the live state of one task's sandbox.
type Session struct {
	TaskID    string
	Dir       string // workspace directory
	CreatedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	procs      map[string]*sandbox.Handle
	browser    *browser.Browser
	destroyed  bool
}

// Touch records activity, resetting the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent call on the session.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// AddProcess registers a background process with the session.
func (s *Session) AddProcess(h *sandbox.Handle) {
	s.mu.Lock()
	s.procs[h.ID] = h
	s.mu.Unlock()
}

// Process returns the background process with the given ID, or nil. Exited
// processes stay addressable until the session is destroyed so their final
// console remains readable.
func (s *Session) Process(id string) *sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

// RunningProcesses counts the session's live background processes.
func (s *Session) RunningProcesses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.procs {
		if h.Running() {
			n++
		}
	}
	return n
}

// SetBrowser attaches a browser instance; nil detaches.
func (s *Session) SetBrowser(b *browser.Browser) {
	s.mu.Lock()
	s.browser = b
	s.mu.Unlock()
}

// Browser returns the session's browser, or nil when none is open.
func (s *Session) Browser() *browser.Browser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

// snapshotForDestroy marks the session destroyed and hands back the
// resources to tear down. Further calls on the session fail through the
// registry, which drops its reference.
func (s *Session) snapshotForDestroy() (procs []*sandbox.Handle, b *browser.Browser, already bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, nil, true
	}
	s.destroyed = true
	for _, h := range s.procs {
		procs = append(procs, h)
	}
	b = s.browser
	s.browser = nil
	return procs, b, false
}
