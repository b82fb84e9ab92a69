// Package protocol defines the tool-call wire format shared by every gateway
// (HTTP, MCP, CLI) and the event envelope broadcast on the WebSocket stream.
// A call is a tagged variant: the Op constant selects which parameter and
// result types apply, and dispatchers match over the full set exhaustively.
package protocol

import (
	"encoding/json"
)

// Op identifies a sandbox operation in a tool call.
type Op string

const (
	// Shell operations.
	OpShellRun   Op = "shell.run"
	OpShellStart Op = "shell.start"
	OpShellView  Op = "shell.view"
	OpShellWrite Op = "shell.write"
	OpShellWait  Op = "shell.wait"
	OpShellKill  Op = "shell.kill"

	// File operations.
	OpFileRead    Op = "file.read"
	OpFileWrite   Op = "file.write"
	OpFileList    Op = "file.list"
	OpFileRemove  Op = "file.remove"
	OpFileExists  Op = "file.exists"
	OpFileReplace Op = "file.replace"
	OpFileSearch  Op = "file.search"
	OpFileFind    Op = "file.find"

	// Browser operations.
	OpBrowserOpen     Op = "browser.open"
	OpBrowserNavigate Op = "browser.navigate"
	OpBrowserAction   Op = "browser.action"
	OpBrowserClose    Op = "browser.close"

	// Session operations.
	OpSessionDestroy Op = "session.destroy"
)

// Known reports whether op is part of the protocol. Gateways reject unknown
// operations before dispatch; rejection is a transport error, not part of
// the sandbox error taxonomy.
func (o Op) Known() bool {
	switch o {
	case OpShellRun, OpShellStart, OpShellView, OpShellWrite, OpShellWait, OpShellKill,
		OpFileRead, OpFileWrite, OpFileList, OpFileRemove, OpFileExists,
		OpFileReplace, OpFileSearch, OpFileFind,
		OpBrowserOpen, OpBrowserNavigate, OpBrowserAction, OpBrowserClose,
		OpSessionDestroy:
		return true
	}
	return false
}

// Request is a single tool call addressed to a task's sandbox session.
// Parameters is decoded into the per-operation struct by the dispatcher.
type Request struct {
	TaskID     string          `json:"taskId"`
	Op         Op              `json:"operation"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// DecodeParams unmarshals Parameters into the given target. Absent
// parameters decode as the zero value so operations without arguments
// (browser.open, session.destroy) accept an omitted field.
func (r *Request) DecodeParams(target any) error {
	if len(r.Parameters) == 0 {
		return nil
	}
	return json.Unmarshal(r.Parameters, target)
}

// Status reports whether a call succeeded.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the result envelope for a tool call. Domain failures travel
// as ErrorKind values; the transport status stays 200 and the process never
// crashes on a failed call.
type Response struct {
	Status      Status    `json:"status"`
	Result      any       `json:"result,omitempty"`
	ErrorKind   ErrorKind `json:"errorKind,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
}

// Success wraps an operation result in a success response.
func Success(result any) *Response {
	return &Response{Status: StatusSuccess, Result: result}
}

// Failure builds an error response with the given kind and detail.
func Failure(kind ErrorKind, detail string) *Response {
	return &Response{Status: StatusError, ErrorKind: kind, ErrorDetail: detail}
}

// --- shell parameters ---

// ShellRunParams carries the parameters for OpShellRun.
type ShellRunParams struct {
	Command        string            `json:"command"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// ShellStartParams carries the parameters for OpShellStart. The command is
// launched in the background and addressed by process ID afterwards.
type ShellStartParams struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

// ShellViewParams carries the parameters for OpShellView.
type ShellViewParams struct {
	ProcessID string `json:"process_id"`
	Lines     int    `json:"lines,omitempty"`
}

// ShellWriteParams carries the parameters for OpShellWrite.
type ShellWriteParams struct {
	ProcessID string `json:"process_id"`
	Input     string `json:"input"`
	Newline   bool   `json:"newline,omitempty"`
}

// ShellWaitParams carries the parameters for OpShellWait.
type ShellWaitParams struct {
	ProcessID      string `json:"process_id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ShellKillParams carries the parameters for OpShellKill.
type ShellKillParams struct {
	ProcessID string `json:"process_id"`
}

// --- file parameters ---

// FileReadParams carries the parameters for OpFileRead. StartLine and
// EndLine are 1-based and optional; zero means the whole file.
type FileReadParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// FileWriteParams carries the parameters for OpFileWrite.
type FileWriteParams struct {
	Path            string `json:"path"`
	Content         string `json:"content"`
	Append          bool   `json:"append,omitempty"`
	LeadingNewline  bool   `json:"leading_newline,omitempty"`
	TrailingNewline bool   `json:"trailing_newline,omitempty"`
}

// FileListParams carries the parameters for OpFileList. An empty path
// lists the workspace root.
type FileListParams struct {
	Path string `json:"path,omitempty"`
}

// FileRemoveParams carries the parameters for OpFileRemove.
type FileRemoveParams struct {
	Path string `json:"path"`
}

// FileExistsParams carries the parameters for OpFileExists.
type FileExistsParams struct {
	Path string `json:"path"`
}

// FileReplaceParams carries the parameters for OpFileReplace. Only the
// first occurrence of Old is replaced.
type FileReplaceParams struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// FileSearchParams carries the parameters for OpFileSearch.
type FileSearchParams struct {
	Path    string `json:"path"`
	Pattern string `json:"pattern"`
}

// FileFindParams carries the parameters for OpFileFind. Path is the
// directory to search under; empty means the workspace root.
type FileFindParams struct {
	Path string `json:"path,omitempty"`
	Glob string `json:"glob"`
}

// --- browser parameters ---

// BrowserAction selects the sub-operation of OpBrowserAction.
type BrowserAction string

const (
	ActionClick       BrowserAction = "click"
	ActionExtractText BrowserAction = "extract_text"
	ActionScreenshot  BrowserAction = "screenshot"
	ActionEval        BrowserAction = "eval"
)

// BrowserNavigateParams carries the parameters for OpBrowserNavigate.
type BrowserNavigateParams struct {
	URL string `json:"url"`
}

// BrowserActionParams carries the parameters for OpBrowserAction.
// Selector applies to click; Script applies to eval.
type BrowserActionParams struct {
	Action   BrowserAction `json:"action"`
	Selector string        `json:"selector,omitempty"`
	Script   string        `json:"script,omitempty"`
}

// --- results ---

// RunResult is the outcome of OpShellRun. A non-zero exit code is a
// successful call; TimedOut marks runs cut off by the deadline.
type RunResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// StartResult is the outcome of OpShellStart.
type StartResult struct {
	ProcessID string `json:"process_id"`
}

// ConsoleResult is the outcome of OpShellView: the tail of a background
// process's combined output.
type ConsoleResult struct {
	ProcessID string   `json:"process_id"`
	Running   bool     `json:"running"`
	ExitCode  int      `json:"exit_code,omitempty"`
	Lines     []string `json:"lines"`
}

// WaitResult is the outcome of OpShellWait. Exited is false when the
// process outlived the wait window.
type WaitResult struct {
	ProcessID string `json:"process_id"`
	Exited    bool   `json:"exited"`
	ExitCode  int    `json:"exit_code,omitempty"`
}

// ReadResult is the outcome of OpFileRead.
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteResult is the outcome of OpFileWrite.
type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// ListEntry is one row of a directory listing.
type ListEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// ListResult is the outcome of OpFileList.
type ListResult struct {
	Path    string      `json:"path"`
	Entries []ListEntry `json:"entries"`
}

// ExistsResult is the outcome of OpFileExists.
type ExistsResult struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Dir    bool   `json:"dir,omitempty"`
}

// ReplaceResult is the outcome of OpFileReplace.
type ReplaceResult struct {
	Path     string `json:"path"`
	Replaced bool   `json:"replaced"`
}

// SearchMatch is one matching line from OpFileSearch.
type SearchMatch struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchResult is the outcome of OpFileSearch.
type SearchResult struct {
	Path    string        `json:"path"`
	Matches []SearchMatch `json:"matches"`
}

// FindResult is the outcome of OpFileFind. Truncated marks listings cut
// off at the match cap.
type FindResult struct {
	Paths     []string `json:"paths"`
	Truncated bool     `json:"truncated,omitempty"`
}

// NavigateResult is the outcome of OpBrowserNavigate.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// TextResult is the outcome of the extract_text and eval browser actions.
type TextResult struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ScreenshotResult is the outcome of the screenshot browser action.
type ScreenshotResult struct {
	Format string `json:"format"`
	Data   string `json:"data"` // base64-encoded image bytes
}

// SessionInfo describes one live session for the inspection endpoints.
type SessionInfo struct {
	TaskID       string `json:"task_id"`
	State        string `json:"state"`
	Workspace    string `json:"workspace"`
	Processes    int    `json:"processes"`
	BrowserOpen  bool   `json:"browser_open"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
}
