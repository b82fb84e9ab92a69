// Package browser drives a headless Chromium instance per sandbox session
// over the DevTools protocol. Each session gets its own browser process with
// a profile directory inside the session workspace; navigation targets are
// checked against the URL policy before the browser ever sees them.
package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultNavigateTimeout = 30 * time.Second
	defaultActionTimeout   = 15 * time.Second
	defaultLaunchTimeout   = 20 * time.Second
	defaultTextCapBytes    = 1 << 20

	readyPollInterval = 100 * time.Millisecond
)

var (
	// ErrLaunch marks failures to start or attach to the browser process.
	ErrLaunch = errors.New("browser launch failed")
	// ErrAction marks failures of operations against a running browser,
	// including policy refusals and missing selectors.
	ErrAction = errors.New("browser action failed")
	// ErrNotOpen is returned when a session has no open browser.
	ErrNotOpen = errors.New("no open browser for session")
)

// binaryCandidates is searched when no binary is configured.
var binaryCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless_shell",
}

// Config configures browser launches and action limits.
type Config struct {
	Binary          string        // Chromium binary. Empty = search PATH.
	AllowedHosts    []string      // Navigation allowlist. Empty = any public host.
	NavigateTimeout time.Duration // Per-navigation deadline.
	ActionTimeout   time.Duration // Per-action deadline.
	TextCapBytes    int           // Extracted text cap.
}

// Launcher creates per-session browser instances.
type Launcher struct {
	cfg    Config
	policy Policy
	logger *slog.Logger
}

// NewLauncher creates a Launcher, filling zero config fields with defaults.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.NavigateTimeout == 0 {
		cfg.NavigateTimeout = defaultNavigateTimeout
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.TextCapBytes == 0 {
		cfg.TextCapBytes = defaultTextCapBytes
	}
	return &Launcher{
		cfg:    cfg,
		policy: Policy{AllowedHosts: cfg.AllowedHosts},
		logger: logger,
	}
}

// Browser is one headless Chromium instance bound to a sandbox session.
type Browser struct {
	TaskID string

	launcher  *Launcher
	cmd       *exec.Cmd
	conn      *cdpConn
	sessionID string
	targetID  string

	mu     sync.Mutex
	closed bool
}

// Launch starts a Chromium process with its profile under profileDir,
// connects to its DevTools endpoint, and attaches to a blank page. All
// failures wrap ErrLaunch.
func (l *Launcher) Launch(ctx context.Context, taskID, profileDir string) (*Browser, error) {
	bin, err := l.findBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	cmd := exec.Command(bin,
		"--headless=new",
		"--remote-debugging-port=0",
		"--user-data-dir="+profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-gpu",
		"--disable-dev-shm-usage",
		"--disable-background-networking",
		"--window-size=1280,900",
		"about:blank",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: opening stderr pipe: %v", ErrLaunch, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrLaunch, bin, err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, defaultLaunchTimeout)
	defer cancel()

	wsURL, err := waitForDevTools(launchCtx, stderr)
	if err != nil {
		killGroup(cmd)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	conn, err := dialCDP(launchCtx, wsURL)
	if err != nil {
		killGroup(cmd)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	b := &Browser{TaskID: taskID, launcher: l, cmd: cmd, conn: conn}
	if err := b.attach(launchCtx); err != nil {
		conn.Close()
		killGroup(cmd)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	l.logger.InfoContext(ctx, "browser launched",
		slog.String("task_id", taskID),
		slog.String("binary", bin),
		slog.Int("pid", cmd.Process.Pid),
	)
	return b, nil
}

func (l *Launcher) findBinary() (string, error) {
	if l.cfg.Binary != "" {
		if _, err := exec.LookPath(l.cfg.Binary); err != nil {
			return "", fmt.Errorf("configured browser binary %q: %w", l.cfg.Binary, err)
		}
		return l.cfg.Binary, nil
	}
	for _, c := range binaryCandidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chromium binary found in PATH")
}

// waitForDevTools scans the browser's stderr for the DevTools endpoint
// announcement.
func waitForDevTools(ctx context.Context, stderr interface{ Read([]byte) (int, error) }) (string, error) {
	const marker = "DevTools listening on "

	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if idx := strings.Index(line, marker); idx >= 0 {
				found <- strings.TrimSpace(line[idx+len(marker):])
				break
			}
		}
		close(found)
	}()

	select {
	case wsURL, ok := <-found:
		if !ok || wsURL == "" {
			return "", fmt.Errorf("browser exited before announcing devtools endpoint")
		}
		return wsURL, nil
	case <-ctx.Done():
		return "", fmt.Errorf("timed out waiting for devtools endpoint")
	}
}

// attach creates a blank target and a flat protocol session on it.
func (b *Browser) attach(ctx context.Context) error {
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := b.conn.Call(ctx, "", "Target.createTarget", map[string]any{"url": "about:blank"}, &created); err != nil {
		return err
	}
	b.targetID = created.TargetID

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := b.conn.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": created.TargetID,
		"flatten":  true,
	}, &attached); err != nil {
		return err
	}
	b.sessionID = attached.SessionID

	if err := b.conn.Call(ctx, b.sessionID, "Page.enable", nil, nil); err != nil {
		return err
	}
	return b.conn.Call(ctx, b.sessionID, "Runtime.enable", nil, nil)
}

// Navigate loads a URL and waits for the document to finish loading. The
// URL must pass the navigation policy. Returns the page title.
func (b *Browser) Navigate(ctx context.Context, rawURL string) (string, error) {
	if err := b.launcher.policy.CheckURL(rawURL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAction, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.launcher.cfg.NavigateTimeout)
	defer cancel()

	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := b.conn.Call(ctx, b.sessionID, "Page.navigate", map[string]any{"url": rawURL}, &nav); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAction, err)
	}
	if nav.ErrorText != "" {
		return "", fmt.Errorf("%w: navigation failed: %s", ErrAction, nav.ErrorText)
	}

	if err := b.waitReady(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAction, err)
	}

	title, err := b.evalString(ctx, "document.title")
	if err != nil {
		return "", nil // title is best-effort
	}
	return title, nil
}

// waitReady polls document.readyState until the page finishes loading.
func (b *Browser) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		state, err := b.evalString(ctx, "document.readyState")
		if err == nil && state == "complete" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("page did not finish loading")
		case <-ticker.C:
		}
	}
}

// Click dispatches a click on the first element matching the selector.
func (b *Browser) Click(ctx context.Context, selector string) error {
	if selector == "" {
		return fmt.Errorf("%w: click requires a selector", ErrAction)
	}
	ctx, cancel := context.WithTimeout(ctx, b.launcher.cfg.ActionTimeout)
	defer cancel()

	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%q); if (!el) return "missing"; el.click(); return "ok"; })()`,
		selector,
	)
	res, err := b.evalString(ctx, script)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAction, err)
	}
	if res != "ok" {
		return fmt.Errorf("%w: no element matches selector %q", ErrAction, selector)
	}
	return nil
}

// ExtractText returns the visible text of the current page, capped at the
// configured limit.
func (b *Browser) ExtractText(ctx context.Context) (text string, truncated bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, b.launcher.cfg.ActionTimeout)
	defer cancel()

	text, err = b.evalString(ctx, "document.body ? document.body.innerText : ''")
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrAction, err)
	}
	if len(text) > b.launcher.cfg.TextCapBytes {
		return text[:b.launcher.cfg.TextCapBytes], true, nil
	}
	return text, false, nil
}

// Eval runs a JavaScript expression in the page and returns its value
// rendered as a string.
func (b *Browser) Eval(ctx context.Context, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("%w: eval requires a script", ErrAction)
	}
	ctx, cancel := context.WithTimeout(ctx, b.launcher.cfg.ActionTimeout)
	defer cancel()

	out, err := b.evalString(ctx, fmt.Sprintf("String((() => { return %s })())", script))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAction, err)
	}
	if len(out) > b.launcher.cfg.TextCapBytes {
		out = out[:b.launcher.cfg.TextCapBytes]
	}
	return out, nil
}

// Screenshot captures the current viewport as a PNG and returns the base64
// payload.
func (b *Browser) Screenshot(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.launcher.cfg.ActionTimeout)
	defer cancel()

	var shot struct {
		Data string `json:"data"`
	}
	if err := b.conn.Call(ctx, b.sessionID, "Page.captureScreenshot", map[string]any{"format": "png"}, &shot); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAction, err)
	}
	return shot.Data, nil
}

// evalString evaluates an expression and returns its value coerced to a
// string. Page exceptions surface as errors.
func (b *Browser) evalString(ctx context.Context, expr string) (string, error) {
	var res struct {
		Result struct {
			Type  string `json:"type"`
			Value any    `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := b.conn.Call(ctx, b.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
	}, &res)
	if err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil {
			msg = res.ExceptionDetails.Exception.Description
		}
		return "", fmt.Errorf("script threw: %s", msg)
	}
	switch v := res.Result.Value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// Close disconnects from the browser and kills its process group. Safe to
// call more than once.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.conn != nil {
		_ = b.conn.Close()
	}
	killGroup(b.cmd)

	b.launcher.logger.Info("browser closed", slog.String("task_id", b.TaskID))
	return nil
}

// killGroup terminates the browser process group and reaps it.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	_ = cmd.Wait()
}
