// Package launch implements the client side of a migration handoff: asking
// whatever is running locally to start a new Main Server process.
package launch

import (
	"context"
	"net"
	"os/exec"
	"strings"
)

// ProcessLauncher starts a new Main Server process listening on ip:port and
// returns once the process has been started, not once it is ready.
type ProcessLauncher interface {
	Launch(ctx context.Context, ip, port string) error
}

// ExecLauncher runs Command with Args, substituting "{ip}" and "{port}"
// placeholders, then calls Start (not Run) so the spawned process outlives
// the launch call; the new Main Server keeps running after this one exits.
type ExecLauncher struct {
	Command string
	Args    []string
}

// NewExecLauncher creates an ExecLauncher for the given binary and argv
// template, e.g. NewExecLauncher("duonet-server", "--server_ip", "{ip}",
// "--server_port", "{port}").
func NewExecLauncher(command string, args ...string) *ExecLauncher {
	return &ExecLauncher{Command: command, Args: args}
}

func (l *ExecLauncher) Launch(ctx context.Context, ip, port string) error {
	args := make([]string, len(l.Args))
	for i, a := range l.Args {
		args[i] = substitute(a, ip, port)
	}
	cmd := exec.Command(l.Command, args...)
	return cmd.Start()
}

func substitute(s, ip, port string) string {
	s = strings.ReplaceAll(s, "{ip}", ip)
	s = strings.ReplaceAll(s, "{port}", port)
	return s
}

// FreePort asks the OS for an unused TCP port by binding to :0 and
// immediately releasing it, the value a client reports back in server_start's
// ack.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
