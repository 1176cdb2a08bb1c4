package channel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/conductor/internal/config"
	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/rpc"
	"github.com/zhubert/conductor/internal/session"
)

// App-server protocol method and notification names. The provider child
// speaks newline-delimited JSON-RPC 2.0 on its stdio.
const (
	methodInitialize   = "initialize"
	methodThreadNew    = "thread.new"
	methodThreadResume = "thread.resume"
	methodTurnRun      = "turn.run"
	methodTurnCancel   = "turn.cancel"

	notifyTurnDelta    = "turn.delta"
	notifyTurnMessage  = "turn.message"
	notifyTurnProgress = "turn.progress"
)

// serverProcess abstracts the long-lived provider child.
type serverProcess interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Kill() error
	Wait() error
}

// launcher starts app-server processes. Tests substitute a scripted one.
type launcher interface {
	Launch(ctx context.Context, folder, command string) (serverProcess, error)
}

type execServerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execServerProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execServerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execServerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *execServerProcess) Wait() error           { return p.cmd.Wait() }

func (p *execServerProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, folder, command string) (serverProcess, error) {
	cmd := exec.Command(command, "--app-server")
	cmd.Dir = folder

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &execServerProcess{cmd: cmd, stdin: stdin, stdout: stdout}
	// Consume exit status so the child never zombies.
	go func() { _ = cmd.Wait() }()
	return p, nil
}

// appSession is the per-session state of the persistent channel: one child
// process and one remote thread, alive for the session's whole life.
type appSession struct {
	ref        SessionRef
	proc       serverProcess
	client     *rpc.Client
	threadID   string
	transcript strings.Builder // replayed after a child restart
}

// AppServerChannel keeps one long-lived provider process per session and
// runs turns as sequential JSON-RPC exchanges. When the child dies
// mid-conversation it is restarted and the thread resumed with the replayed
// transcript; the worker above never notices.
type AppServerChannel struct {
	provider session.Provider
	cfg      *config.Config
	launch   launcher
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*appSession
}

// NewAppServerChannel returns the persistent adapter for a provider.
func NewAppServerChannel(provider session.Provider, cfg *config.Config) *AppServerChannel {
	return &AppServerChannel{
		provider: provider,
		cfg:      cfg,
		launch:   execLauncher{},
		log:      logger.ComponentLogger("AppServer"),
		sessions: make(map[string]*appSession),
	}
}

type threadParams struct {
	Folder         string `json:"folder"`
	Model          string `json:"model,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
}

type threadResult struct {
	ThreadID string `json:"threadId"`
}

type turnParams struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt"`
}

type turnRunResult struct {
	Message string `json:"message"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type turnNotification struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

// StartSession launches the session's child process and opens its remote
// thread. Resumes the provider conversation when one is recorded.
func (a *AppServerChannel) StartSession(ctx context.Context, ref SessionRef) error {
	a.mu.Lock()
	if _, exists := a.sessions[ref.SessionID]; exists {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	sess := &appSession{ref: ref}
	if err := a.connect(ctx, sess, ""); err != nil {
		return errors.AgentStartFailed(ref.SessionID, err)
	}

	a.mu.Lock()
	a.sessions[ref.SessionID] = sess
	a.mu.Unlock()
	return nil
}

// connect launches the child, performs the handshake, and opens or resumes
// the thread. replay carries the transcript when the previous child died.
func (a *AppServerChannel) connect(ctx context.Context, sess *appSession, replay string) error {
	proc, err := a.launch.Launch(ctx, sess.ref.Folder, a.provider.Command())
	if err != nil {
		return err
	}

	client := rpc.NewClient(proc.Stdout(), proc.Stdin())
	if _, err := client.Call(ctx, methodInitialize, nil); err != nil {
		client.Close()
		_ = proc.Kill()
		return fmt.Errorf("initialize: %w", err)
	}

	params := threadParams{Folder: sess.ref.Folder, Model: sess.ref.Model}
	method := methodThreadNew
	if sess.ref.ProviderConversationID != "" || replay != "" {
		method = methodThreadResume
		params.ConversationID = sess.ref.ProviderConversationID
		params.Transcript = replay
	}

	raw, err := client.Call(ctx, method, params)
	if err != nil {
		client.Close()
		_ = proc.Kill()
		return fmt.Errorf("%s: %w", method, err)
	}
	var result threadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		client.Close()
		_ = proc.Kill()
		return fmt.Errorf("%s result: %w", method, err)
	}

	sess.proc = proc
	sess.client = client
	sess.threadID = result.ThreadID
	a.log.Info("app server connected", "sessionID", sess.ref.SessionID, "threadID", result.ThreadID, "pid", proc.Pid())
	return nil
}

// RunTurn sends one prompt over the session's thread and streams the
// provider's notifications as TurnEvents. Transport failures restart the
// child with bounded attempts and replay the transcript before retrying.
func (a *AppServerChannel) RunTurn(ctx context.Context, sessionID string, req TurnRequest, events chan<- TurnEvent) (*TurnResult, error) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		err := errors.AgentTurnFailed(sessionID, fmt.Errorf("no active app server session"))
		emit(ctx, events, TurnEvent{Type: EventFailed, Err: err})
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.AgentRestartAttempts; attempt++ {
		if attempt > 0 {
			a.log.Warn("app server transport lost, restarting",
				"sessionID", sessionID, "attempt", attempt, "maxAttempts", a.cfg.AgentRestartAttempts)
			time.Sleep(a.cfg.AgentRestartDelay())
			if err := a.connect(ctx, sess, sess.transcript.String()); err != nil {
				lastErr = err
				continue
			}
		}

		result, err := a.runTurnOnce(ctx, sess, req, events)
		if err == nil {
			emit(ctx, events, TurnEvent{Type: EventCompleted, Result: result})
			return result, nil
		}
		if ctx.Err() != nil {
			interruptErr := errors.AgentInterrupted(sessionID)
			emit(context.Background(), events, TurnEvent{Type: EventAssistantDelta, Text: "\n" + InterruptedNotice + "\n"})
			emit(context.Background(), events, TurnEvent{Type: EventFailed, Err: interruptErr})
			return nil, interruptErr
		}
		if !isTransportError(err) {
			turnErr := errors.AgentTurnFailed(sessionID, err)
			emit(ctx, events, TurnEvent{Type: EventFailed, Err: turnErr})
			return nil, turnErr
		}
		lastErr = err
	}

	turnErr := errors.AgentTurnFailed(sessionID,
		fmt.Errorf("agent crashed repeatedly (max %d restarts): %v", a.cfg.AgentRestartAttempts, lastErr))
	emit(ctx, events, TurnEvent{Type: EventFailed, Err: turnErr})
	return nil, turnErr
}

// runTurnOnce performs one turn.run exchange on the current child.
func (a *AppServerChannel) runTurnOnce(ctx context.Context, sess *appSession, req TurnRequest, events chan<- TurnEvent) (*TurnResult, error) {
	emit(ctx, events, TurnEvent{Type: EventPidUpdate, Pid: sess.proc.Pid()})
	defer emit(ctx, events, TurnEvent{Type: EventPidUpdate, Pid: 0})

	callDone := make(chan struct{})
	drained := make(chan struct{})
	var streamed strings.Builder

	// Forward streaming notifications while the call is pending. The read
	// loop enqueues deltas ahead of the response, so once the call returns
	// the channel must be drained to empty before streamed is read.
	go func() {
		defer close(drained)
		for {
			select {
			case n, ok := <-sess.client.Notifications():
				if !ok {
					return
				}
				a.forwardNotification(ctx, sess, n, req, &streamed, events)
			case <-callDone:
				for {
					select {
					case n, ok := <-sess.client.Notifications():
						if !ok {
							return
						}
						a.forwardNotification(ctx, sess, n, req, &streamed, events)
					default:
						return
					}
				}
			}
		}
	}()

	// A canceled turn must also interrupt the remote side.
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.client.Notify(methodTurnCancel, turnParams{ThreadID: sess.threadID})
		case <-cancelWatch:
		}
	}()

	raw, err := sess.client.Call(ctx, methodTurnRun, turnParams{ThreadID: sess.threadID, Prompt: req.Prompt})
	close(callDone)
	<-drained
	close(cancelWatch)
	if err != nil {
		return nil, err
	}

	var parsed turnRunResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("turn.run result: %w", err)
	}

	message := streamed.String()
	if message == "" {
		message = strings.TrimSpace(parsed.Message)
	}

	sess.transcript.WriteString("User: " + req.Prompt + "\n")
	sess.transcript.WriteString("Assistant: " + message + "\n")

	return &TurnResult{
		AssistantMessage:       message,
		InputTokens:            parsed.Usage.InputTokens,
		OutputTokens:           parsed.Usage.OutputTokens,
		ProviderConversationID: sess.threadID,
	}, nil
}

// forwardNotification converts one provider notification into TurnEvents.
// Whole (non-delta) messages are trimmed and get a blank line after them;
// whitespace-only messages are skipped.
func (a *AppServerChannel) forwardNotification(ctx context.Context, sess *appSession, n rpc.Notification, req TurnRequest, streamed *strings.Builder, events chan<- TurnEvent) {
	var payload turnNotification
	if err := json.Unmarshal(n.Params, &payload); err != nil {
		a.log.Debug("skipping malformed notification", "method", n.Method, "error", err)
		return
	}
	if payload.ThreadID != "" && payload.ThreadID != sess.threadID {
		return
	}

	switch n.Method {
	case notifyTurnDelta:
		if payload.Text == "" {
			return
		}
		streamed.WriteString(payload.Text)
		if req.LiveOutput {
			emit(ctx, events, TurnEvent{Type: EventAssistantDelta, Text: payload.Text})
		}
	case notifyTurnMessage:
		trimmed := strings.TrimSpace(payload.Text)
		if trimmed == "" {
			return
		}
		streamed.WriteString(trimmed + "\n\n")
		if req.LiveOutput {
			emit(ctx, events, TurnEvent{Type: EventAssistantDelta, Text: trimmed + "\n\n"})
		}
	case notifyTurnProgress:
		if payload.Text != "" {
			emit(ctx, events, TurnEvent{Type: EventProgress, Text: payload.Text})
		}
	default:
		a.log.Debug("unknown notification", "method", n.Method)
	}
}

// ShutdownSession tears down the session's child process and state.
func (a *AppServerChannel) ShutdownSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if sess.client != nil {
		sess.client.Close()
	}
	if sess.proc != nil {
		_ = sess.proc.Stdin().Close()
		if err := sess.proc.Kill(); err != nil {
			a.log.Debug("kill app server process", "sessionID", sessionID, "error", err)
		}
	}
	return nil
}

// isTransportError reports whether err means the child process or its pipes
// went away, as opposed to the provider rejecting the request.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, rpc.ErrClientClosed) || stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "transport") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "file already closed")
}
