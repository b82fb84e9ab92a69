package protocol

// ErrorKind is the closed set of failure categories a call can report.
// Every sandbox error maps to exactly one kind; anything unforeseen maps
// to KindIOError rather than crashing the server.
type ErrorKind string

const (
	KindPathEscape       ErrorKind = "PathEscape"
	KindNotFound         ErrorKind = "NotFound"
	KindIOError          ErrorKind = "IOError"
	KindPayloadTooLarge  ErrorKind = "PayloadTooLarge"
	KindTimedOut         ErrorKind = "TimedOut"
	KindTooManyProcesses ErrorKind = "TooManyConcurrentProcesses"
	KindBrowserLaunch    ErrorKind = "BrowserLaunchError"
	KindBrowserAction    ErrorKind = "BrowserActionError"
	KindWorkspaceExists  ErrorKind = "WorkspaceExists"
)
