package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/session"
)

// InterruptedNotice is appended to session output when a turn is killed by
// user cancellation.
const InterruptedNotice = "[Stopped] Agent interrupted by user."

// turnProcess abstracts one spawned agent process.
type turnProcess interface {
	Pid() int
	Wait() error
	Kill() error
}

// spawner starts agent processes. Tests substitute a scripted spawner.
type spawner interface {
	Spawn(ctx context.Context, dir, name string, args []string) (proc turnProcess, stdout, stderr io.ReadCloser, err error)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type execSpawner struct{}

func (execSpawner) Spawn(ctx context.Context, dir, name string, args []string) (turnProcess, io.ReadCloser, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd}, stdout, stderr, nil
}

// CLIChannel runs one agent subprocess per turn. The process owns no state
// between turns; conversation continuity comes from the provider's resume
// flag and the persisted conversation id.
type CLIChannel struct {
	provider session.Provider
	spawn    spawner
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]turnProcess // sessionID -> in-flight process
}

// NewCLIChannel returns the subprocess adapter for a provider.
func NewCLIChannel(provider session.Provider) *CLIChannel {
	return &CLIChannel{
		provider: provider,
		spawn:    execSpawner{},
		log:      logger.ComponentLogger("CLIChannel"),
		active:   make(map[string]turnProcess),
	}
}

// StartSession is a no-op: subprocess providers hold no session state.
func (c *CLIChannel) StartSession(ctx context.Context, ref SessionRef) error {
	return nil
}

// ShutdownSession kills any in-flight process for the session.
func (c *CLIChannel) ShutdownSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	proc := c.active[sessionID]
	c.mu.Unlock()
	if proc != nil {
		return proc.Kill()
	}
	return nil
}

// buildTurnArgs builds the provider command line for one turn.
func buildTurnArgs(req TurnRequest) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Mode == ModeResume && req.ProviderConversationID != "" {
		args = append(args, "--resume", req.ProviderConversationID)
	}
	args = append(args, buildTurnPrompt(req))
	return args
}

// buildTurnPrompt folds the replayed transcript into the prompt when the
// provider has no conversation to resume.
func buildTurnPrompt(req TurnRequest) string {
	if req.Mode == ModeResume && req.ProviderConversationID == "" && req.Replay != "" {
		return "Previous conversation:\n" + req.Replay + "\n\n" + req.Prompt
	}
	return req.Prompt
}

// RunTurn spawns one process, streams its stdout into TurnEvents, and
// returns when the process exits. Emits exactly one terminal event.
func (c *CLIChannel) RunTurn(ctx context.Context, sessionID string, req TurnRequest, events chan<- TurnEvent) (*TurnResult, error) {
	log := c.log.With("sessionID", sessionID)
	args := buildTurnArgs(req)

	proc, stdout, stderr, err := c.spawn.Spawn(ctx, req.Folder, c.provider.Command(), args)
	if err != nil {
		startErr := errors.AgentStartFailed(sessionID, err)
		emit(ctx, events, TurnEvent{Type: EventFailed, Err: startErr})
		return nil, startErr
	}

	c.mu.Lock()
	c.active[sessionID] = proc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, sessionID)
		c.mu.Unlock()
	}()

	emit(ctx, events, TurnEvent{Type: EventPidUpdate, Pid: proc.Pid()})
	log.Debug("agent process started", "pid", proc.Pid(), "args", strings.Join(args, " "))

	var (
		assistant   strings.Builder
		stderrBuf   strings.Builder
		outcome     *turnOutcome
		outcomeOnce sync.Once
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			chunks, result := parseStreamLine(scanner.Text(), log)
			for _, chunk := range chunks {
				if chunk.Text != "" {
					assistant.WriteString(chunk.Text)
					if req.LiveOutput {
						emit(gctx, events, TurnEvent{Type: EventAssistantDelta, Text: chunk.Text})
					}
				}
				if chunk.Progress != "" {
					emit(gctx, events, TurnEvent{Type: EventProgress, Text: chunk.Progress})
				}
			}
			if result != nil {
				outcomeOnce.Do(func() { outcome = result })
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		_, err := io.Copy(&stderrBuf, stderr)
		return err
	})

	readErr := g.Wait()
	waitErr := proc.Wait()
	emit(ctx, events, TurnEvent{Type: EventPidUpdate, Pid: 0})

	// The child's stderr is diagnostics, not conversation; keep it in the
	// per-session agent log whether or not the turn succeeded.
	logger.AppendAgentLog(sessionID, stderrBuf.String())

	if ctx.Err() != nil {
		emit(context.Background(), events, TurnEvent{Type: EventAssistantDelta, Text: "\n" + InterruptedNotice + "\n"})
		interruptErr := errors.AgentInterrupted(sessionID)
		emit(context.Background(), events, TurnEvent{Type: EventFailed, Err: interruptErr})
		return nil, interruptErr
	}
	if readErr != nil {
		log.Warn("stream read failed", "error", readErr)
	}

	if outcome != nil && outcome.Error != "" {
		turnErr := errors.AgentTurnFailed(sessionID, fmt.Errorf("%s", outcome.Error))
		emit(ctx, events, TurnEvent{Type: EventFailed, Err: turnErr})
		return nil, turnErr
	}

	if waitErr != nil && outcome == nil {
		turnErr := errors.AgentTurnFailed(sessionID, fmt.Errorf("%s", formatExitError(waitErr, stderrBuf.String(), assistant.String())))
		emit(ctx, events, TurnEvent{Type: EventFailed, Err: turnErr})
		return nil, turnErr
	}

	result := &TurnResult{
		AssistantMessage:       assistant.String(),
		ProviderConversationID: req.ProviderConversationID,
	}
	if outcome != nil {
		if result.AssistantMessage == "" {
			result.AssistantMessage = outcome.Result
		}
		result.InputTokens = outcome.InputTokens
		result.OutputTokens = outcome.OutputTokens
		if outcome.SessionID != "" {
			result.ProviderConversationID = outcome.SessionID
		}
	}

	emit(ctx, events, TurnEvent{Type: EventCompleted, Result: result})
	return result, nil
}

// formatExitError describes a failed process exit from whatever output it
// left behind.
func formatExitError(waitErr error, stderr, stdout string) string {
	stderr = strings.TrimSpace(stderr)
	stdout = strings.TrimSpace(stdout)

	desc := waitErr.Error()
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		desc = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
	}

	switch {
	case stderr != "" && stdout != "":
		return fmt.Sprintf("%s: stderr: %s; stdout: %s", desc, stderr, stdout)
	case stderr != "":
		return fmt.Sprintf("%s: stderr: %s", desc, stderr)
	case stdout != "":
		return fmt.Sprintf("%s: stdout: %s", desc, stdout)
	default:
		return fmt.Sprintf("%s: no stdout or stderr output", desc)
	}
}
