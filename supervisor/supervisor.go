// Package supervisor manages the worker subprocess: it loads the client
// catalog from clients.json, spawns the selected client with os/exec, pumps
// its stdout/stderr into a bounded log ring, and stops it with SIGTERM
// (force-kill after a grace period).
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Client lifecycle states as reported by the status endpoint.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
)

const (
	// logRingSize is how many recent output lines the status surface keeps.
	logRingSize = 50

	// stopGrace is how long a SIGTERM'd client gets before the kill.
	stopGrace = 5 * time.Second
)

// ClientConfig is one entry of clients.json: a launchable worker process.
type ClientConfig struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	Description            string   `json:"description,omitempty"`
	WorkingDir             string   `json:"workingDir,omitempty"`
	Command                string   `json:"command"`
	Args                   []string `json:"args,omitempty"`
	Color                  string   `json:"color,omitempty"`
	PerformanceSensitivity string   `json:"performanceSensitivity,omitempty"`
}

// LoadClients parses a clients.json file: a JSON array of ClientConfig.
// A missing file yields an empty catalog, not an error; a coordinator with
// no supervised clients is a valid deployment.
func LoadClients(path string) ([]ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read clients file: %w", err)
	}
	var clients []ClientConfig
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, fmt.Errorf("failed to parse clients file %s: %w", path, err)
	}
	for i, c := range clients {
		if c.ID == "" || c.Command == "" {
			return nil, fmt.Errorf("clients file %s: entry %d needs id and command", path, i)
		}
	}
	return clients, nil
}

// Status is a snapshot of the supervised process for the status endpoint.
type Status struct {
	Status       string        `json:"status"`
	Logs         []string      `json:"logs"`
	ActiveClient *ClientConfig `json:"activeClient,omitempty"`
}

// Supervisor runs at most one client process at a time.
type Supervisor struct {
	logger  *logrus.Logger
	clients []ClientConfig

	mu       sync.Mutex
	status   string
	active   *ClientConfig
	cmd      *exec.Cmd
	procDone chan struct{} // closed by the watcher once the process is reaped
	logs     []string
	gen      int // invalidates stale exit watchers across restarts
}

// New builds a supervisor over the given client catalog.
func New(clients []ClientConfig, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		logger:  logger,
		clients: clients,
		status:  StatusStopped,
	}
}

// Clients returns the client catalog.
func (s *Supervisor) Clients() []ClientConfig {
	out := make([]ClientConfig, len(s.clients))
	copy(out, s.clients)
	return out
}

// Active returns the currently running client, or nil.
func (s *Supervisor) Active() *ClientConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

// Status returns the process state and the last output lines.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Status: s.status,
		Logs:   append([]string(nil), s.logs...),
	}
	if s.active != nil {
		cp := *s.active
		st.ActiveClient = &cp
	}
	return st
}

// Start spawns the client with the given ID. Refused while another client
// is starting or running.
func (s *Supervisor) Start(clientID string) error {
	var client *ClientConfig
	for i := range s.clients {
		if s.clients[i].ID == clientID {
			client = &s.clients[i]
			break
		}
	}
	if client == nil {
		return fmt.Errorf("unknown client %q", clientID)
	}

	s.mu.Lock()
	if s.status == StatusStarting || s.status == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("client %q is already active", s.active.ID)
	}
	s.status = StatusStarting
	cp := *client
	s.active = &cp
	s.logs = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	cmd := exec.Command(client.Command, client.Args...)
	cmd.Dir = client.WorkingDir
	// Workers are commonly Python; unbuffered output keeps the log ring live.
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(gen, fmt.Errorf("stdout pipe: %w", err))
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.fail(gen, fmt.Errorf("stderr pipe: %w", err))
		return err
	}

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("failed to start client %q: %w", clientID, err)
		s.fail(gen, err)
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.procDone = done
	s.status = StatusRunning
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"client": client.ID, "pid": cmd.Process.Pid}).
		Info("client started")

	// Wait closes the pipes, so the watcher must not reap the process until
	// both pumps have drained their streams.
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.pump(stdout)
	}()
	go func() {
		defer pumps.Done()
		s.pump(stderr)
	}()
	go s.watch(cmd, gen, done, &pumps)
	return nil
}

// Stop terminates the active client: SIGTERM, then a kill after the grace
// period. A no-op when nothing is running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.procDone
	if cmd == nil || cmd.Process == nil {
		s.status = StatusStopped
		s.active = nil
		s.mu.Unlock()
		return nil
	}
	s.gen++ // the watcher for this process must not overwrite our state
	s.cmd = nil
	s.mu.Unlock()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	// The watcher owns the Wait; it closes done once the process is reaped.
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("client ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.active = nil
	s.mu.Unlock()

	s.logger.Info("client stopped")
	return nil
}

// watch observes an unsupervised exit. A clean exit parks the status on
// stopped, a non-zero one on error. Stale watchers (the process was stopped
// deliberately) detect the generation bump and stand down.
func (s *Supervisor) watch(cmd *exec.Cmd, gen int, done chan struct{}, pumps *sync.WaitGroup) {
	pumps.Wait()
	err := cmd.Wait()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Deliberate Stop in flight; it owns the status.
		return
	}
	s.cmd = nil
	s.active = nil
	if err != nil {
		s.status = StatusError
		s.appendLog(fmt.Sprintf("client exited: %v", err))
		s.logger.WithError(err).Warn("client exited with error")
		return
	}
	s.status = StatusStopped
	s.logger.Info("client exited")
}

// pump copies one output stream into the log ring line by line.
func (s *Supervisor) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.mu.Lock()
		s.appendLog(scanner.Text())
		s.mu.Unlock()
	}
}

// appendLog keeps the last logRingSize lines. Callers hold s.mu.
func (s *Supervisor) appendLog(line string) {
	s.logs = append(s.logs, line)
	if len(s.logs) > logRingSize {
		s.logs = s.logs[len(s.logs)-logRingSize:]
	}
}

func (s *Supervisor) fail(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.status = StatusError
	s.active = nil
	s.appendLog(err.Error())
}
