package shell

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCommandTimeoutMS bounds a command when the caller names none.
	DefaultCommandTimeoutMS = int64(30_000)
	// MaxCommandTimeoutMS is the hard ceiling for command and yield waits.
	MaxCommandTimeoutMS = int64(5 * 60 * 1000)

	sentinelPrefix = "__SHRIMP_DONE_"
	truncatedMark  = "...[truncated]"
)

// RunResult is the structured outcome of a command. ExitCode is nil when
// the command timed out or was refused because the session was busy.
type RunResult struct {
	SessionID  string `json:"sessionId"`
	ExitCode   *int   `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Cwd        string `json:"cwd"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMS int64  `json:"durationMs"`
}

// Completed reports the terminal state of a command that finished while the
// caller was driving it through WriteStdin.
type Completed struct {
	ExitCode *int   `json:"exitCode"`
	Cwd      string `json:"cwd,omitempty"`
}

// StdinResult carries the output produced since the previous WriteStdin
// call, plus a Completed block when the command has finished.
type StdinResult struct {
	SessionID string     `json:"sessionId"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
	Completed *Completed `json:"completed,omitempty"`
}

// pendingCommand tracks a non-interactive command multiplexed over the
// long-lived shell. done flips when the sentinel line shows up on stdout.
type pendingCommand struct {
	token       string
	startedAt   time.Time
	stdoutStart int64
	stderrStart int64

	done       bool
	exitCode   int
	cwd        string
	stdoutText string
	stderrText string
}

// interactiveCommand is a dedicated child process for one command, kept
// alive past its timeout so the caller can feed it input.
type interactiveCommand struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *tail
	stderr    *tail
	outCursor int64
	errCursor int64
	startedAt time.Time

	done     bool
	exitCode int
}

// Session is a long-lived child shell with retained stdout/stderr tails.
// At most one of pending/interactive is set at a time.
type Session struct {
	ID       string
	Shell    string
	Platform string

	mu   sync.Mutex
	cond *sync.Cond

	cwd        string
	createdAt  time.Time
	lastUsedAt time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *tail
	stderr *tail

	// Read cursors for WriteStdin against the long-lived shell.
	outCursor int64
	errCursor int64

	pending     *pendingCommand
	interactive *interactiveCommand

	maxOutputChars   int
	defaultTimeoutMS int64
	closed           bool
}

func newToken() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}

// startReader pumps a pipe into a tail and wakes waiters on every append.
// scan, when non-nil, runs under the lock after each append.
func (s *Session) startReader(r io.Reader, t *tail, scan func()) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			t.append(buf[:n])
			if scan != nil {
				scan()
			}
			s.cond.Broadcast()
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// scanSentinelLocked looks for the pending command's sentinel line on
// stdout. On a hit it captures the command's output slices, strips the
// sentinel from the retention window and marks the command done.
func (s *Session) scanSentinelLocked() {
	p := s.pending
	if p == nil || p.done {
		return
	}
	marker := []byte(sentinelPrefix + p.token + ":")
	from := p.stdoutStart - s.stdout.offset
	if from < 0 {
		from = 0
	}
	data := s.stdout.data
	i := bytes.Index(data[from:], marker)
	if i < 0 {
		return
	}
	i += int(from)
	nl := bytes.IndexByte(data[i:], '\n')
	if nl < 0 {
		// Line is still incomplete; wait for more bytes.
		return
	}
	rest := data[i+len(marker) : i+nl]
	sep := bytes.IndexByte(rest, ':')
	if sep < 0 {
		return
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(rest[:sep])))
	if err != nil {
		return
	}
	cwd := strings.TrimRight(string(rest[sep+1:]), "\r")

	p.stdoutText = string(s.stdout.sliceRange(p.stdoutStart, s.stdout.offset+int64(i)))
	p.stderrText = string(s.stderr.sliceFrom(p.stderrStart))
	p.exitCode = code
	p.cwd = cwd
	p.done = true

	// The sentinel is the stream suffix at detection time.
	s.stdout.dropSuffix(len(data) - i)

	if cwd != "" {
		s.cwd = cwd
	}
	s.lastUsedAt = time.Now()
}

// completionScript appends the sentinel print to the user's command. On
// Windows the echo arrives as its own input line, so %errorlevel% and %cd%
// are expanded after the command has run.
func completionScript(command, token string) string {
	if runtime.GOOS == "windows" {
		return command + "\r\n" + "echo " + sentinelPrefix + token + ":%errorlevel%:%cd%\r\n"
	}
	return command + "\n" + fmt.Sprintf("printf '%s%s:%%s:%%s\\n' \"$?\" \"$PWD\"\n", sentinelPrefix, token)
}

// trimOutput keeps the last maxChars bytes, marking the cut.
func trimOutput(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return truncatedMark + s[len(s)-maxChars:]
}

// clampTimeout resolves the wait for a command: the caller's value when
// given, else defaultMS, capped at the hard ceiling.
func clampTimeout(timeoutMS, defaultMS int64) time.Duration {
	if timeoutMS <= 0 {
		timeoutMS = defaultMS
	}
	if timeoutMS <= 0 {
		timeoutMS = DefaultCommandTimeoutMS
	}
	if timeoutMS > MaxCommandTimeoutMS {
		timeoutMS = MaxCommandTimeoutMS
	}
	return time.Duration(timeoutMS) * time.Millisecond
}

// busyResult is returned instead of queueing a second command.
func (s *Session) busyResult() *RunResult {
	return &RunResult{
		SessionID: s.ID,
		ExitCode:  nil,
		Stderr:    "a command is already running in this session; wait for it or use write_stdin",
		Cwd:       s.cwd,
	}
}

// Run executes a command on the session. Non-interactive commands are
// multiplexed over the long-lived shell via the sentinel protocol;
// interactive ones get a dedicated child process.
func (s *Session) Run(ctx context.Context, command string, timeoutMS int64, interactive bool) (*RunResult, error) {
	if s == nil {
		return nil, ErrUnknownSession
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("missing command")
	}
	if interactive {
		return s.runInteractive(ctx, command, timeoutMS)
	}

	timeout := clampTimeout(timeoutMS, s.defaultTimeoutMS)
	started := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	// A previous command that completed after its caller timed out frees
	// the session for the next one.
	s.reapFinishedLocked()
	if s.pending != nil || s.interactive != nil {
		res := s.busyResult()
		s.mu.Unlock()
		return res, nil
	}

	p := &pendingCommand{
		token:       newToken(),
		startedAt:   started,
		stdoutStart: s.stdout.abs(),
		stderrStart: s.stderr.abs(),
	}
	s.pending = p
	s.outCursor = p.stdoutStart
	s.errCursor = p.stderrStart
	s.lastUsedAt = started

	script := completionScript(command, p.token)
	if _, err := io.WriteString(s.stdin, script); err != nil {
		s.pending = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("write command: %w", err)
	}

	deadline := started.Add(timeout)
	stop := make(chan struct{})
	defer close(stop)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	for !p.done && !s.closed && ctx.Err() == nil && time.Now().Before(deadline) {
		s.cond.Wait()
	}

	res := &RunResult{SessionID: s.ID, DurationMS: time.Since(started).Milliseconds()}
	switch {
	case p.done:
		code := p.exitCode
		res.ExitCode = &code
		res.Stdout = trimOutput(p.stdoutText, s.maxOutputChars)
		res.Stderr = trimOutput(p.stderrText, s.maxOutputChars)
		res.Cwd = s.cwd
		s.pending = nil
	case s.closed:
		res.Stderr = "shell exited"
		res.Cwd = s.cwd
		s.pending = nil
	default:
		// Timed out (or canceled). The command keeps running; pending
		// stays set so write_stdin can drive it to completion.
		res.TimedOut = true
		res.Stdout = trimOutput(string(s.stdout.sliceFrom(p.stdoutStart)), s.maxOutputChars)
		res.Stderr = trimOutput(string(s.stderr.sliceFrom(p.stderrStart)), s.maxOutputChars)
		res.Cwd = s.cwd
		s.outCursor = s.stdout.abs()
		s.errCursor = s.stderr.abs()
	}
	s.mu.Unlock()
	return res, nil
}

func interactiveArgs(command string) []string {
	if runtime.GOOS == "windows" {
		return []string{"/d", "/s", "/c", command}
	}
	return []string{"-lc", command}
}

func (s *Session) runInteractive(ctx context.Context, command string, timeoutMS int64) (*RunResult, error) {
	timeout := clampTimeout(timeoutMS, s.defaultTimeoutMS)
	started := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	s.reapFinishedLocked()
	if s.pending != nil || s.interactive != nil {
		res := s.busyResult()
		s.mu.Unlock()
		return res, nil
	}

	cmd := exec.Command(s.Shell, interactiveArgs(command)...)
	cmd.Dir = s.cwd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("start interactive command: %w", err)
	}

	ic := &interactiveCommand{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    newTail(s.maxOutputChars),
		stderr:    newTail(s.maxOutputChars),
		startedAt: started,
	}
	s.interactive = ic
	s.lastUsedAt = started
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); s.startReader(stdout, ic.stdout, nil) }()
	go func() { defer readers.Done(); s.startReader(stderr, ic.stderr, nil) }()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		ic.done = true
		ic.exitCode = exitCodeOf(err)
		s.lastUsedAt = time.Now()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	deadline := started.Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	for !ic.done && ctx.Err() == nil && time.Now().Before(deadline) {
		s.cond.Wait()
	}

	res := &RunResult{SessionID: s.ID, Cwd: s.cwd, DurationMS: time.Since(started).Milliseconds()}
	if ic.done {
		code := ic.exitCode
		res.ExitCode = &code
		res.Stdout = trimOutput(string(ic.stdout.sliceFrom(0)), s.maxOutputChars)
		res.Stderr = trimOutput(string(ic.stderr.sliceFrom(0)), s.maxOutputChars)
		s.interactive = nil
	} else {
		res.TimedOut = true
		res.Stdout = trimOutput(string(ic.stdout.sliceFrom(0)), s.maxOutputChars)
		res.Stderr = trimOutput(string(ic.stderr.sliceFrom(0)), s.maxOutputChars)
		ic.outCursor = ic.stdout.abs()
		ic.errCursor = ic.stderr.abs()
	}
	s.mu.Unlock()
	return res, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// WriteStdin feeds input to whichever command is in flight, waits yieldMS,
// and returns the output produced since the previous call.
func (s *Session) WriteStdin(chars string, yieldMS int64) (*StdinResult, error) {
	if s == nil {
		return nil, ErrUnknownSession
	}
	if yieldMS < 0 {
		yieldMS = 0
	}
	if yieldMS > MaxCommandTimeoutMS {
		yieldMS = MaxCommandTimeoutMS
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	ic := s.interactive
	var w io.Writer = s.stdin
	if ic != nil {
		w = ic.stdin
	}
	if chars != "" {
		if _, err := io.WriteString(w, chars); err != nil && ic == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("write stdin: %w", err)
		}
		// A write to a finished interactive command's stdin fails; the
		// completed block below tells the caller why.
	}
	s.lastUsedAt = time.Now()
	s.mu.Unlock()

	if yieldMS > 0 {
		time.Sleep(time.Duration(yieldMS) * time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &StdinResult{SessionID: s.ID}
	if ic != nil {
		res.Stdout = trimOutput(string(ic.stdout.sliceFrom(ic.outCursor)), s.maxOutputChars)
		res.Stderr = trimOutput(string(ic.stderr.sliceFrom(ic.errCursor)), s.maxOutputChars)
		ic.outCursor = ic.stdout.abs()
		ic.errCursor = ic.stderr.abs()
		if ic.done {
			code := ic.exitCode
			res.Completed = &Completed{ExitCode: &code, Cwd: s.cwd}
			if s.interactive == ic {
				s.interactive = nil
			}
		}
		return res, nil
	}

	res.Stdout = trimOutput(string(s.stdout.sliceFrom(s.outCursor)), s.maxOutputChars)
	res.Stderr = trimOutput(string(s.stderr.sliceFrom(s.errCursor)), s.maxOutputChars)
	s.outCursor = s.stdout.abs()
	s.errCursor = s.stderr.abs()
	if p := s.pending; p != nil && p.done {
		code := p.exitCode
		res.Completed = &Completed{ExitCode: &code, Cwd: p.cwd}
		s.pending = nil
	}
	return res, nil
}

// reapFinishedLocked clears commands that completed after their caller
// stopped waiting, freeing the session for the next one.
func (s *Session) reapFinishedLocked() {
	if s.pending != nil && s.pending.done {
		s.pending = nil
	}
	if s.interactive != nil && s.interactive.done {
		s.interactive = nil
	}
}

// Cwd returns the session's current working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Busy reports whether a command is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.pending != nil && !s.pending.done) || (s.interactive != nil && !s.interactive.done)
}

func (s *Session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// close kills the child processes and wakes all waiters.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ic := s.interactive
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if ic != nil && ic.cmd != nil && ic.cmd.Process != nil {
		_ = ic.cmd.Process.Kill()
	}
}
