// Package process finds and kills leftover agent processes from previous
// runs. A crash can strand provider subprocesses mid-turn; they keep holding
// conversation state and file locks until something sweeps them up.
package process

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/conductor/internal/logger"
	"github.com/zhubert/conductor/internal/session"
)

// agentProviders is the closed set of provider binaries we spawn.
var agentProviders = []session.Provider{
	session.ProviderClaude,
	session.ProviderGemini,
	session.ProviderCodex,
}

// AgentProcess is a running agent subprocess found on the system.
type AgentProcess struct {
	PID     int
	Command string // full command line
}

// FindAgentProcesses lists running agent subprocesses that look like ones we
// spawn: streaming turn subprocesses and persistent app servers.
func FindAgentProcesses() ([]AgentProcess, error) {
	var processes []AgentProcess
	log := logger.ComponentLogger("Process")

	switch runtime.GOOS {
	case "darwin", "linux":
		for _, provider := range agentProviders {
			pattern := provider.Command() + " .*(--output-format stream-json|--app-server)"
			cmd := exec.Command("pgrep", "-f", pattern)
			output, err := cmd.Output()
			if err != nil {
				// pgrep exits 1 when nothing matches
				if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
					continue
				}
				return nil, err
			}

			for _, pidStr := range strings.Fields(string(output)) {
				pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
				if err != nil {
					continue
				}

				psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
				psOutput, err := psCmd.Output()
				if err != nil {
					continue
				}

				processes = append(processes, AgentProcess{
					PID:     pid,
					Command: strings.TrimSpace(string(psOutput)),
				})
			}
		}

	case "windows":
		for _, provider := range agentProviders {
			cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+provider.Command()+"*", "/FO", "CSV", "/NH")
			output, err := cmd.Output()
			if err != nil {
				return nil, err
			}

			for _, line := range strings.Split(string(output), "\n") {
				fields := strings.Split(line, ",")
				if len(fields) < 2 {
					continue
				}
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, AgentProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found agent processes", "count", len(processes))
	return processes, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
	case "windows":
		return exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
	}
	return nil
}

// FindOrphanedAgentProcesses returns agent processes resuming a conversation
// we own. At startup no turn is in flight, so any process still attached to
// one of our conversations was left behind by a previous run. Processes with
// no recognizable conversation id are left alone: they may belong to the
// user's own CLI usage.
func FindOrphanedAgentProcesses(ownedConversationIDs map[string]bool) ([]AgentProcess, error) {
	all, err := FindAgentProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.ComponentLogger("Process")
	var orphans []AgentProcess
	for _, proc := range all {
		conversationID := ExtractConversationID(proc.Command)
		if conversationID != "" && ownedConversationIDs[conversationID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned agent process", "pid", proc.PID, "conversationID", conversationID)
		}
	}
	return orphans, nil
}

// ExtractConversationID pulls the conversation id out of an agent command
// line, from either --resume or --session-id.
func ExtractConversationID(cmdLine string) string {
	for _, flag := range []string{"--resume", "--session-id"} {
		_, after, ok := strings.Cut(cmdLine, flag)
		if !ok {
			continue
		}
		rest := strings.TrimLeft(after, " =")
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// CleanupOrphanedAgents kills agent processes stranded on our conversations
// by a previous run. Returns the number of processes killed.
func CleanupOrphanedAgents(ownedConversationIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedAgentProcesses(ownedConversationIDs)
	if err != nil {
		return 0, err
	}

	log := logger.ComponentLogger("Process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned agent process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
