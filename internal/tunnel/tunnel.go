// Package tunnel manages the optional child process that exposes the
// daemon's bound port on a public URL (spec.md §5 "Tunnel process: one
// child process, started on demand, tracked via pid and stdout/stderr
// stream parsed for the public URL"). It is grounded on the teacher's
// internal/lsp client's process-lifecycle idiom (exec.Cmd, a reader
// goroutine scanning output, mutex-guarded state) generalized from a
// long-lived JSON-RPC subprocess to a short-lived tunnel subprocess.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// urlPattern matches the https:// URL most tunnel CLIs (cloudflared,
// ngrok, localtunnel) print to stdout/stderr on startup.
var urlPattern = regexp.MustCompile(`https://[A-Za-z0-9._-]+\.[A-Za-z]{2,}[A-Za-z0-9/_-]*`)

// Status is the current state of the tunnel child process.
type Status struct {
	Running   bool   `json:"running"`
	PublicURL string `json:"public_url,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// Provider runs one tunnel child process at a time for a given local
// port. Command is a command template containing a single "%d"
// placeholder for the port, e.g. "cloudflared tunnel --url http://localhost:%d";
// it is split on whitespace and run directly, not through a shell.
type Provider struct {
	command string
	port    int
	log     zerolog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
}

// New builds a Provider bound to port, using command as the command
// template (spec.md §6 tunnel config: "command").
func New(command string, port int, log zerolog.Logger) *Provider {
	return &Provider{command: command, port: port, log: log}
}

// Start launches the tunnel subprocess and blocks until its public URL
// is parsed from output, 20 seconds elapse, or ctx is done.
func (p *Provider) Start(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status.Running {
		return p.status.PublicURL, nil
	}
	if p.command == "" {
		return "", fmt.Errorf("tunnel: no command configured")
	}

	fullCmd := fmt.Sprintf(p.command, p.port)
	fields := strings.Fields(fullCmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("tunnel: empty command")
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("tunnel: start: %w", err)
	}

	urlCh := make(chan string, 1)
	go scanForURL(stdout, urlCh)
	go scanForURL(stderr, urlCh)

	go func() {
		if err := cmd.Wait(); err != nil {
			p.log.Warn().Err(err).Msg("tunnel process exited")
		}
		p.mu.Lock()
		p.status = Status{}
		p.cmd = nil
		p.mu.Unlock()
	}()

	select {
	case url := <-urlCh:
		p.cmd = cmd
		p.status = Status{Running: true, PublicURL: url, PID: cmd.Process.Pid}
		return url, nil
	case <-time.After(20 * time.Second):
		_ = cmd.Process.Kill()
		return "", fmt.Errorf("tunnel: timed out waiting for public url")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return "", ctx.Err()
	}
}

func scanForURL(r interface{ Read([]byte) (int, error) }, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if match := urlPattern.FindString(line); match != "" {
			select {
			case out <- match:
			default:
			}
		}
	}
}

// Stop terminates the tunnel subprocess if running.
func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		p.status = Status{}
		return nil
	}
	err := p.cmd.Process.Kill()
	p.cmd = nil
	p.status = Status{}
	return err
}

// Status reports the current running state and public URL, if any.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
