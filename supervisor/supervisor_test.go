package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func writeClientsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitForStatus(t *testing.T, s *Supervisor, want string) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if st.Status == want {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %q, last %q", want, s.Status().Status)
	return Status{}
}

func TestLoadClients(t *testing.T) {
	path := writeClientsFile(t, `[
		{"id": "py", "name": "Python worker", "command": "python3",
		 "args": ["worker.py"], "color": "#33cc66",
		 "performanceSensitivity": "aggressive"}
	]`)

	clients, err := LoadClients(path)
	if err != nil {
		t.Fatalf("LoadClients failed: %v", err)
	}
	if len(clients) != 1 {
		t.Fatalf("got %d clients, want 1", len(clients))
	}
	c := clients[0]
	if c.ID != "py" || c.Command != "python3" || c.PerformanceSensitivity != "aggressive" {
		t.Errorf("client = %+v", c)
	}

	// Missing file: empty catalog, no error.
	clients, err = LoadClients(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || clients != nil {
		t.Errorf("missing file: clients=%v err=%v, want nil/nil", clients, err)
	}

	// Entries need id and command.
	path = writeClientsFile(t, `[{"name": "anonymous"}]`)
	if _, err := LoadClients(path); err == nil {
		t.Error("expected error for entry without id/command")
	}
}

func TestSupervisor_RunToCompletion(t *testing.T) {
	clients := []ClientConfig{{
		ID:      "echo",
		Name:    "Echo client",
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two >&2"},
	}}
	s := New(clients, testLogger())

	if st := s.Status(); st.Status != StatusStopped {
		t.Fatalf("initial status = %q, want stopped", st.Status)
	}

	if err := s.Start("echo"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := waitForStatus(t, s, StatusStopped)

	seen := map[string]bool{}
	for _, line := range st.Logs {
		seen[line] = true
	}
	if !seen["one"] || !seen["two"] {
		t.Errorf("log ring missing output lines: %v", st.Logs)
	}
	if s.Active() != nil {
		t.Error("active client survived process exit")
	}
}

func TestSupervisor_LogRingBounded(t *testing.T) {
	clients := []ClientConfig{{
		ID:      "noisy",
		Command: "sh",
		Args:    []string{"-c", "i=0; while [ $i -lt 120 ]; do echo line$i; i=$((i+1)); done"},
	}}
	s := New(clients, testLogger())

	if err := s.Start("noisy"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := waitForStatus(t, s, StatusStopped)

	if len(st.Logs) != logRingSize {
		t.Fatalf("log ring holds %d lines, want %d", len(st.Logs), logRingSize)
	}
	if st.Logs[len(st.Logs)-1] != "line119" {
		t.Errorf("last line = %q, want line119", st.Logs[len(st.Logs)-1])
	}
}

func TestSupervisor_StopTerminates(t *testing.T) {
	clients := []ClientConfig{{
		ID:      "sleeper",
		Command: "sh",
		Args:    []string{"-c", "sleep 60"},
	}}
	s := New(clients, testLogger())

	if err := s.Start("sleeper"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, s, StatusRunning)

	// Double start is refused while running.
	if err := s.Start("sleeper"); err == nil {
		t.Error("expected second Start to be refused")
	}

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > stopGrace {
		t.Errorf("Stop took %v, SIGTERM should have sufficed", elapsed)
	}
	if st := s.Status(); st.Status != StatusStopped {
		t.Errorf("status after Stop = %q, want stopped", st.Status)
	}

	// Stop with nothing running is a no-op.
	if err := s.Stop(); err != nil {
		t.Errorf("idle Stop failed: %v", err)
	}
}

func TestSupervisor_ErrorStates(t *testing.T) {
	clients := []ClientConfig{
		{ID: "missing", Command: "/no/such/binary-xyz"},
		{ID: "failing", Command: "sh", Args: []string{"-c", "exit 3"}},
	}
	s := New(clients, testLogger())

	if err := s.Start("unknown"); err == nil {
		t.Error("expected error for unknown client id")
	}
	if err := s.Start("missing"); err == nil {
		t.Error("expected error for unlaunchable command")
	}
	waitForStatus(t, s, StatusError)

	if err := s.Start("failing"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := waitForStatus(t, s, StatusError)
	if len(st.Logs) == 0 {
		t.Error("expected the exit error in the log ring")
	}
}
