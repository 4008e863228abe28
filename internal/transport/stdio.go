package transport

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mcphub-dev/mcphub/internal/secureenv"
	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

const osWindows = "windows"

// StdioConfig holds the parameters needed to spawn a stdio upstream.
type StdioConfig struct {
	Command    string
	Args       []string
	EnvManager *secureenv.Manager
}

// StdioClientResult holds the constructed client plus the underlying
// stdio transport, kept so callers can reach the subprocess stderr pipe
// once client.Start() has spawned it.
type StdioClientResult struct {
	Client *client.Client
	stdio  *transport.Stdio
}

// Stderr returns the subprocess stderr pipe, or nil before Start (or for
// a non-stdio result). The caller drains it to the log sink.
func (r *StdioClientResult) Stderr() io.Reader {
	if r == nil || r.stdio == nil {
		return nil
	}
	return r.stdio.Stderr()
}

// NewStdioConfig derives a StdioConfig from a settings.ServerConfig,
// wiring its Env map (already expanded by the settings store) into a
// secureenv.Manager so the child inherits only those explicit keys.
func NewStdioConfig(server *settings.ServerConfig) *StdioConfig {
	return &StdioConfig{
		Command:    server.Command,
		Args:       server.Args,
		EnvManager: secureenv.NewManager(server.Env),
	}
}

// CreateStdioClient spawns the subprocess behind a shell wrapper (so the
// user's PATH and shell profile are honoured) and wires it to an MCP
// client over newline-delimited JSON-RPC.
func CreateStdioClient(cfg *StdioConfig) (*StdioClientResult, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("transport: no command specified for stdio upstream")
	}

	envVars := cfg.EnvManager.BuildSecureEnvironment()
	command, cmdArgs := wrapCommandInShell(cfg.Command, cfg.Args)

	stdioTransport := transport.NewStdio(command, envVars, cmdArgs...)
	mcpClient := client.NewClient(stdioTransport)

	return &StdioClientResult{Client: mcpClient, stdio: stdioTransport}, nil
}

// wrapCommandInShell wraps command in a login shell (or cmd.exe on
// Windows) so PATH and profile scripts are loaded the same way an
// interactive terminal would load them.
func wrapCommandInShell(command string, args []string) (shellCmd string, shellArgs []string) {
	fullCmd := command
	if len(args) > 0 {
		quoted := make([]string, len(args))
		for i, arg := range args {
			if strings.Contains(arg, " ") {
				quoted[i] = fmt.Sprintf("%q", arg)
			} else {
				quoted[i] = arg
			}
		}
		fullCmd = fmt.Sprintf("%s %s", command, strings.Join(quoted, " "))
	}

	if runtime.GOOS == osWindows {
		return "cmd.exe", []string{"/c", fullCmd}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return shell, []string{"-l", "-c", fullCmd}
}
