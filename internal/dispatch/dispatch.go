// Package dispatch routes tool calls to the sandbox services. It is the
// single choke point every gateway goes through: parameter decoding, session
// resolution, error-kind mapping, journaling, and event publication all
// happen here so the gateways stay thin.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jkaninda/boma/internal/browser"
	"github.com/jkaninda/boma/internal/events"
	"github.com/jkaninda/boma/internal/fileops"
	"github.com/jkaninda/boma/internal/observability"
	"github.com/jkaninda/boma/internal/protocol"
	"github.com/jkaninda/boma/internal/sandbox"
	"github.com/jkaninda/boma/internal/session"
	"github.com/jkaninda/boma/internal/storage"
	"github.com/jkaninda/boma/internal/workspace"
)

// Dispatcher executes protocol requests against the sandbox services.
type Dispatcher struct {
	sessions *session.Registry
	runner   *sandbox.Runner
	files    *fileops.Service
	journal  storage.Store // nil = journaling disabled
	hub      *events.Hub
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
}

// New creates a Dispatcher. journal and hub may be nil.
func New(sessions *session.Registry, runner *sandbox.Runner, files *fileops.Service, journal storage.Store, hub *events.Hub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		runner:   runner,
		files:    files,
		journal:  journal,
		hub:      hub,
		logger:   logger,
	}
}

// WithMetrics attaches the journal write counter. Nil disables it.
func (d *Dispatcher) WithMetrics(m *observability.MetricsCollector) *Dispatcher {
	d.metrics = m
	return d
}

// Sessions exposes the registry for the inspection endpoints.
func (d *Dispatcher) Sessions() *session.Registry {
	return d.sessions
}

// Dispatch executes one call and always returns a response. Domain failures
// become error responses with a kind from the closed taxonomy; a panic in an
// operation is contained and reported as an IOError.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "panic during dispatch",
				slog.String("task_id", req.TaskID),
				slog.String("operation", string(req.Op)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			resp = protocol.Failure(protocol.KindIOError, fmt.Sprintf("internal error executing %s", req.Op))
		}
		d.record(req, resp, time.Since(start))
	}()

	if req.TaskID == "" {
		return protocol.Failure(protocol.KindIOError, "taskId is required")
	}
	if !req.Op.Known() {
		return protocol.Failure(protocol.KindIOError, fmt.Sprintf("unknown operation %q", req.Op))
	}

	// Destroy must not resurrect the session it is tearing down.
	if req.Op == protocol.OpSessionDestroy {
		if err := d.sessions.Destroy(req.TaskID, session.ReasonExplicit); err != nil {
			return d.failure(ctx, req, err)
		}
		return protocol.Success(map[string]string{"task_id": req.TaskID, "state": "destroyed"})
	}

	s, err := d.sessions.GetOrCreate(req.TaskID)
	if err != nil {
		return d.failure(ctx, req, err)
	}
	s.Touch()

	result, err := d.execute(ctx, s, req)
	if err != nil {
		return d.failure(ctx, req, err)
	}
	return protocol.Success(result)
}

func (d *Dispatcher) execute(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	switch req.Op {
	case protocol.OpShellRun:
		return d.shellRun(ctx, s, req)
	case protocol.OpShellStart:
		return d.shellStart(ctx, s, req)
	case protocol.OpShellView:
		return d.shellView(s, req)
	case protocol.OpShellWrite:
		return d.shellWrite(s, req)
	case protocol.OpShellWait:
		return d.shellWait(ctx, s, req)
	case protocol.OpShellKill:
		return d.shellKill(s, req)

	case protocol.OpFileRead:
		return d.fileRead(s, req)
	case protocol.OpFileWrite:
		return d.fileWrite(s, req)
	case protocol.OpFileList:
		return d.fileList(s, req)
	case protocol.OpFileRemove:
		return d.fileRemove(s, req)
	case protocol.OpFileExists:
		return d.fileExists(s, req)
	case protocol.OpFileReplace:
		return d.fileReplace(s, req)
	case protocol.OpFileSearch:
		return d.fileSearch(s, req)
	case protocol.OpFileFind:
		return d.fileFind(s, req)

	case protocol.OpBrowserOpen:
		return d.browserOpen(ctx, s)
	case protocol.OpBrowserNavigate:
		return d.browserNavigate(ctx, s, req)
	case protocol.OpBrowserAction:
		return d.browserAction(ctx, s, req)
	case protocol.OpBrowserClose:
		return nil, d.sessions.CloseBrowser(s)
	}
	return nil, fmt.Errorf("unhandled operation %q", req.Op)
}

// --- shell ---

func (d *Dispatcher) shellRun(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellRunParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	res, err := d.runner.Run(ctx, sandbox.RunSpec{
		TaskID:     s.TaskID,
		Command:    p.Command,
		WorkingDir: s.Dir,
		Env:        p.Env,
		Timeout:    time.Duration(p.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.RunResult{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMs: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
		Truncated:  res.Truncated,
	}, nil
}

func (d *Dispatcher) shellStart(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellStartParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	h, err := d.runner.Start(ctx, sandbox.RunSpec{
		TaskID:     s.TaskID,
		Command:    p.Command,
		WorkingDir: s.Dir,
		Env:        p.Env,
	})
	if err != nil {
		return nil, err
	}
	s.AddProcess(h)
	d.publish(protocol.EventProcessStarted, s.TaskID, protocol.ProcessStartedPayload{
		ProcessID: h.ID,
		Command:   h.Command,
	})
	go d.watchExit(s.TaskID, h)
	return &protocol.StartResult{ProcessID: h.ID}, nil
}

// watchExit publishes process.exited once the background process is reaped.
func (d *Dispatcher) watchExit(taskID string, h *sandbox.Handle) {
	<-h.Done()
	d.publish(protocol.EventProcessExited, taskID, protocol.ProcessExitedPayload{
		ProcessID: h.ID,
		ExitCode:  h.ExitCode(),
	})
}

func (d *Dispatcher) shellView(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellViewParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	h, err := d.process(s, p.ProcessID)
	if err != nil {
		return nil, err
	}
	lines := p.Lines
	if lines <= 0 {
		lines = 100
	}
	out, running, code := h.Console(lines)
	return &protocol.ConsoleResult{
		ProcessID: h.ID,
		Running:   running,
		ExitCode:  code,
		Lines:     out,
	}, nil
}

func (d *Dispatcher) shellWrite(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellWriteParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	h, err := d.process(s, p.ProcessID)
	if err != nil {
		return nil, err
	}
	if err := h.WriteStdin(p.Input, p.Newline); err != nil {
		return nil, err
	}
	return map[string]string{"process_id": h.ID, "state": "written"}, nil
}

func (d *Dispatcher) shellWait(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellWaitParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	h, err := d.process(s, p.ProcessID)
	if err != nil {
		return nil, err
	}
	timeout := 30 * time.Second
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exited, code := h.Wait(waitCtx)
	return &protocol.WaitResult{ProcessID: h.ID, Exited: exited, ExitCode: code}, nil
}

func (d *Dispatcher) shellKill(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.ShellKillParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	h, err := d.process(s, p.ProcessID)
	if err != nil {
		return nil, err
	}
	if err := h.Kill(); err != nil {
		return nil, err
	}
	return map[string]string{"process_id": h.ID, "state": "killed"}, nil
}

func (d *Dispatcher) process(s *session.Session, id string) (*sandbox.Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("process_id is required")
	}
	h := s.Process(id)
	if h == nil {
		return nil, fmt.Errorf("process %s: %w", id, fs.ErrNotExist)
	}
	return h, nil
}

// --- files ---

func (d *Dispatcher) fileRead(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileReadParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	var (
		content string
		err     error
	)
	if p.StartLine > 0 || p.EndLine > 0 {
		content, err = d.files.ReadRange(s.TaskID, p.Path, p.StartLine, p.EndLine)
	} else {
		content, err = d.files.Read(s.TaskID, p.Path)
	}
	if err != nil {
		return nil, err
	}
	return &protocol.ReadResult{Path: p.Path, Content: content}, nil
}

func (d *Dispatcher) fileWrite(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileWriteParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	n, err := d.files.Write(s.TaskID, p.Path, p.Content, fileops.WriteOptions{
		Append:          p.Append,
		LeadingNewline:  p.LeadingNewline,
		TrailingNewline: p.TrailingNewline,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.WriteResult{Path: p.Path, BytesWritten: n}, nil
}

func (d *Dispatcher) fileList(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileListParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	entries, err := d.files.List(s.TaskID, p.Path)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ListEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.ListEntry{Name: e.Name, Dir: e.Dir, Size: e.Size})
	}
	return &protocol.ListResult{Path: p.Path, Entries: out}, nil
}

func (d *Dispatcher) fileRemove(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileRemoveParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	if err := d.files.Remove(s.TaskID, p.Path); err != nil {
		return nil, err
	}
	return map[string]string{"path": p.Path, "state": "removed"}, nil
}

func (d *Dispatcher) fileExists(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileExistsParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	exists, dir, err := d.files.Exists(s.TaskID, p.Path)
	if err != nil {
		return nil, err
	}
	return &protocol.ExistsResult{Path: p.Path, Exists: exists, Dir: dir}, nil
}

func (d *Dispatcher) fileReplace(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileReplaceParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	replaced, err := d.files.Replace(s.TaskID, p.Path, p.Old, p.New)
	if err != nil {
		return nil, err
	}
	return &protocol.ReplaceResult{Path: p.Path, Replaced: replaced}, nil
}

func (d *Dispatcher) fileSearch(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileSearchParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	matches, err := d.files.Search(s.TaskID, p.Path, p.Pattern)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.SearchMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, protocol.SearchMatch{Line: m.Line, Text: m.Text})
	}
	return &protocol.SearchResult{Path: p.Path, Matches: out}, nil
}

func (d *Dispatcher) fileFind(s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.FileFindParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	paths, truncated, err := d.files.Find(s.TaskID, p.Path, p.Glob)
	if err != nil {
		return nil, err
	}
	return &protocol.FindResult{Paths: paths, Truncated: truncated}, nil
}

// --- browser ---

func (d *Dispatcher) browserOpen(ctx context.Context, s *session.Session) (any, error) {
	if err := d.sessions.OpenBrowser(ctx, s); err != nil {
		return nil, err
	}
	return map[string]string{"state": "open"}, nil
}

func (d *Dispatcher) browserNavigate(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.BrowserNavigateParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	b := s.Browser()
	if b == nil {
		return nil, browser.ErrNotOpen
	}
	title, err := b.Navigate(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	return &protocol.NavigateResult{URL: p.URL, Title: title}, nil
}

func (d *Dispatcher) browserAction(ctx context.Context, s *session.Session, req *protocol.Request) (any, error) {
	var p protocol.BrowserActionParams
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	b := s.Browser()
	if b == nil {
		return nil, browser.ErrNotOpen
	}

	switch p.Action {
	case protocol.ActionClick:
		if err := b.Click(ctx, p.Selector); err != nil {
			return nil, err
		}
		return map[string]string{"action": "click", "state": "done"}, nil
	case protocol.ActionExtractText:
		text, truncated, err := b.ExtractText(ctx)
		if err != nil {
			return nil, err
		}
		return &protocol.TextResult{Text: text, Truncated: truncated}, nil
	case protocol.ActionScreenshot:
		data, err := b.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return &protocol.ScreenshotResult{Format: "png", Data: data}, nil
	case protocol.ActionEval:
		out, err := b.Eval(ctx, p.Script)
		if err != nil {
			return nil, err
		}
		return &protocol.TextResult{Text: out}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", browser.ErrAction, p.Action)
	}
}

// --- failure mapping and journaling ---

func (d *Dispatcher) failure(ctx context.Context, req *protocol.Request, err error) *protocol.Response {
	kind := MapError(err)
	d.logger.WarnContext(ctx, "call failed",
		slog.String("task_id", req.TaskID),
		slog.String("operation", string(req.Op)),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	return protocol.Failure(kind, err.Error())
}

// MapError assigns an error to its kind in the closed taxonomy. Anything
// unrecognized is an IOError.
func MapError(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, workspace.ErrPathEscape):
		return protocol.KindPathEscape
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return protocol.KindNotFound
	case errors.Is(err, fileops.ErrTooLarge):
		return protocol.KindPayloadTooLarge
	case errors.Is(err, sandbox.ErrTooManyProcesses):
		return protocol.KindTooManyProcesses
	case errors.Is(err, sandbox.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return protocol.KindTimedOut
	case errors.Is(err, browser.ErrLaunch):
		return protocol.KindBrowserLaunch
	case errors.Is(err, browser.ErrAction), errors.Is(err, browser.ErrNotOpen):
		return protocol.KindBrowserAction
	case errors.Is(err, workspace.ErrExists):
		return protocol.KindWorkspaceExists
	default:
		return protocol.KindIOError
	}
}

// record journals the call asynchronously. Journal failures are logged,
// never surfaced to the caller.
func (d *Dispatcher) record(req *protocol.Request, resp *protocol.Response, elapsed time.Duration) {
	if d.journal == nil || resp == nil {
		return
	}
	rec := &storage.CallRecord{
		TaskID:     req.TaskID,
		Op:         string(req.Op),
		Status:     string(resp.Status),
		ErrorKind:  string(resp.ErrorKind),
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		status := "ok"
		if err := d.journal.RecordCall(ctx, rec); err != nil {
			status = "error"
			d.logger.Warn("journal write failed",
				slog.String("task_id", rec.TaskID),
				slog.String("operation", rec.Op),
				slog.String("error", err.Error()),
			)
		}
		if d.metrics != nil {
			d.metrics.JournalWritesTotal.WithLabelValues(status).Inc()
		}
	}()
}

func (d *Dispatcher) publish(typ protocol.EventType, taskID string, payload any) {
	if d.hub == nil {
		return
	}
	ev, err := protocol.NewEvent(typ, taskID, payload)
	if err != nil {
		return
	}
	d.hub.Publish(ev)
}
