package shell

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrUnknownSession is returned when an operation names a session id that
// is not registered (or was evicted).
var ErrUnknownSession = errors.New("unknown shell session")

const (
	// DefaultMaxSessions caps the shell pool.
	DefaultMaxSessions = 8
	// DefaultSessionTTL evicts sessions idle this long.
	DefaultSessionTTL = 30 * time.Minute

	sweepInterval = 30 * time.Second
)

// Options configures a Manager. Zero values pick the documented defaults.
type Options struct {
	Shell            string
	MaxSessions      int
	MaxOutputChars   int
	DefaultTimeoutMS int64
	SessionTTL       time.Duration
	Logger           *slog.Logger
}

// SessionInfo is the diagnostic view of a live session.
type SessionInfo struct {
	ID             string `json:"id"`
	Shell          string `json:"shell"`
	Platform       string `json:"platform"`
	Cwd            string `json:"cwd"`
	Busy           bool   `json:"busy"`
	CreatedAtUnix  int64  `json:"created_at_unix_ms"`
	LastUsedAtUnix int64  `json:"last_used_at_unix_ms"`
}

// Manager owns the pool of long-lived shell sessions.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	defaultID string

	shell            string
	maxSessions      int
	maxOutputChars   int
	defaultTimeoutMS int64
	ttl              time.Duration
	logger           *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewManager(opts Options) *Manager {
	shell := strings.TrimSpace(opts.Shell)
	if shell == "" {
		shell = defaultShellProgram()
	}
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	maxOutput := opts.MaxOutputChars
	if maxOutput <= 0 {
		maxOutput = 20_000
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	defaultTimeout := opts.DefaultTimeoutMS
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeoutMS
	}
	if defaultTimeout > MaxCommandTimeoutMS {
		defaultTimeout = MaxCommandTimeoutMS
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		sessions:         make(map[string]*Session),
		shell:            shell,
		maxSessions:      maxSessions,
		maxOutputChars:   maxOutput,
		defaultTimeoutMS: defaultTimeout,
		ttl:              ttl,
		logger:           logger,
		stopSweep:        make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func defaultShellProgram() string {
	if runtime.GOOS == "windows" {
		if v := strings.TrimSpace(os.Getenv("ComSpec")); v != "" {
			return v
		}
		return `C:\Windows\System32\cmd.exe`
	}
	if v := strings.TrimSpace(os.Getenv("SHELL")); v != "" {
		return v
	}
	return "/bin/bash"
}

// newShellCommand builds the long-lived shell process. cmd.exe gets /q so
// commands read from stdin are not echoed back into stdout.
func newShellCommand(shell string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command(shell, "/q")
	}
	return exec.Command(shell)
}

func platformTag() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "darwin"
	default:
		return "linux"
	}
}

func newSessionID() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sh_%d", time.Now().UnixNano())
	}
	return "sh_" + base64.RawURLEncoding.EncodeToString(b)
}

// CreateSession spawns a fresh shell in cwd (or the process cwd). The pool
// capacity is enforced under the lock at insertion time, so concurrent
// creates cannot exceed it: the oldest session is evicted when the pool is
// full.
func (m *Manager) CreateSession(cwd string) (*Session, error) {
	if m == nil {
		return nil, errors.New("nil shell manager")
	}
	cwd = strings.TrimSpace(cwd)
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	s, err := m.spawn(cwd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for len(m.sessions) >= m.maxSessions {
		m.evictOldestLocked()
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("shell session created", "session_id", s.ID, "cwd", cwd)
	return s, nil
}

func (m *Manager) spawn(cwd string) (*Session, error) {
	s := &Session{
		ID:               newSessionID(),
		Shell:            m.shell,
		Platform:         platformTag(),
		cwd:              cwd,
		createdAt:        time.Now(),
		lastUsedAt:       time.Now(),
		stdout:           newTail(m.maxOutputChars),
		stderr:           newTail(m.maxOutputChars),
		maxOutputChars:   m.maxOutputChars,
		defaultTimeoutMS: m.defaultTimeoutMS,
	}
	s.cond = sync.NewCond(&s.mu)

	cmd := newShellCommand(m.shell)
	cmd.Dir = cwd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell %s: %w", m.shell, err)
	}
	s.cmd = cmd
	s.stdin = stdin

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); s.startReader(stdout, s.stdout, s.scanSentinelLocked) }()
	go func() { defer readers.Done(); s.startReader(stderr, s.stderr, nil) }()
	go func() {
		readers.Wait()
		_ = cmd.Wait()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		m.remove(s.ID)
	}()

	return s, nil
}

// Get resolves a session id. An empty id resolves (lazily creating) the
// shared default session.
func (m *Manager) Get(id string) (*Session, error) {
	if m == nil {
		return nil, errors.New("nil shell manager")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return m.defaultSession()
	}
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (m *Manager) defaultSession() (*Session, error) {
	m.mu.Lock()
	if m.defaultID != "" {
		if s := m.sessions[m.defaultID]; s != nil {
			m.mu.Unlock()
			return s, nil
		}
		m.defaultID = ""
	}
	m.mu.Unlock()

	s, err := m.CreateSession("")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.defaultID = s.ID
	m.mu.Unlock()
	return s, nil
}

// RunCommand executes a command on the named session; an empty id uses the
// default session, creating it on first use in the given cwd.
func (m *Manager) RunCommand(ctx context.Context, sessionID, command, cwd string, timeoutMS int64, interactive bool) (*RunResult, error) {
	if m == nil {
		return nil, errors.New("nil shell manager")
	}
	var s *Session
	var err error
	if strings.TrimSpace(sessionID) == "" && strings.TrimSpace(cwd) != "" {
		m.mu.Lock()
		haveDefault := m.defaultID != "" && m.sessions[m.defaultID] != nil
		m.mu.Unlock()
		if !haveDefault {
			s, err = m.CreateSession(cwd)
			if err == nil {
				m.mu.Lock()
				m.defaultID = s.ID
				m.mu.Unlock()
			}
		}
	}
	if s == nil && err == nil {
		s, err = m.Get(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, command, timeoutMS, interactive)
}

// WriteStdin feeds input to the session's in-flight command.
func (m *Manager) WriteStdin(sessionID, chars string, yieldMS int64) (*StdinResult, error) {
	if m == nil {
		return nil, errors.New("nil shell manager")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrUnknownSession
	}
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return nil, ErrUnknownSession
	}
	return s.WriteStdin(chars, yieldMS)
}

// CloseSession kills and removes a session. Returns false for unknown ids.
func (m *Manager) CloseSession(id string) bool {
	if m == nil {
		return false
	}
	id = strings.TrimSpace(id)
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	if m.defaultID == id {
		m.defaultID = ""
	}
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.close()
	m.logger.Debug("shell session closed", "session_id", id)
	return true
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	if m.defaultID == id {
		m.defaultID = ""
	}
	m.mu.Unlock()
}

// List returns a diagnostic snapshot of the pool.
func (m *Manager) List() []SessionInfo {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		info := SessionInfo{
			ID:             s.ID,
			Shell:          s.Shell,
			Platform:       s.Platform,
			Cwd:            s.cwd,
			Busy:           (s.pending != nil && !s.pending.done) || (s.interactive != nil && !s.interactive.done),
			CreatedAtUnix:  s.createdAt.UnixMilli(),
			LastUsedAtUnix: s.lastUsedAt.UnixMilli(),
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// evictOldestLocked removes the session with the oldest lastUsedAt.
func (m *Manager) evictOldestLocked() {
	var oldest *Session
	for _, s := range m.sessions {
		if oldest == nil || s.lastUsed().Before(oldest.lastUsed()) {
			oldest = s
		}
	}
	if oldest == nil {
		return
	}
	delete(m.sessions, oldest.ID)
	if m.defaultID == oldest.ID {
		m.defaultID = ""
	}
	m.logger.Debug("shell session evicted", "session_id", oldest.ID)
	go oldest.close()
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.lastUsed().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
			if m.defaultID == id {
				m.defaultID = ""
			}
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		m.logger.Debug("shell session expired", "session_id", s.ID)
		s.close()
	}
}

// Close stops the sweep and kills every session.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.sweepOnce.Do(func() { close(m.stopSweep) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.defaultID = ""
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
