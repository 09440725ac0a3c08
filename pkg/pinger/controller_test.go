package pinger

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeDaemon is a scriptable pinger daemon on a unix socket.
type fakeDaemon struct {
	listener net.Listener

	mu    sync.Mutex
	conn  net.Conn
	lines chan string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "pinger.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	d := &fakeDaemon{
		listener: listener,
		lines:    make(chan string, 64),
	}

	go d.acceptLoop()
	t.Cleanup(func() { listener.Close() })

	return d
}

func (d *fakeDaemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		go func(conn net.Conn) {
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				d.lines <- scanner.Text()
			}
		}(conn)
	}
}

func (d *fakeDaemon) socketPath() string {
	return d.listener.Addr().String()
}

func (d *fakeDaemon) receive(t *testing.T) string {
	t.Helper()
	select {
	case line := <-d.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pinger command")
		return ""
	}
}

func (d *fakeDaemon) respond(t *testing.T, line string) {
	t.Helper()
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection to respond on")
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
}

func (d *fakeDaemon) dropConnection() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func newTestController(t *testing.T, daemon *fakeDaemon) *Controller {
	t.Helper()
	c := NewController(testLogger())
	c.retryDelay = 50 * time.Millisecond
	c.resolve = func(string) bool { return true }
	c.Connect(daemon.socketPath())
	t.Cleanup(c.Close)
	return c
}

func TestController_AddHostWireForm(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")

	if line := daemon.receive(t); line != "A 11 a" {
		t.Errorf("expected \"A 11 a\", got %q", line)
	}
	if controller.NumberHosts() != 1 {
		t.Errorf("expected 1 registered host, got %d", controller.NumberHosts())
	}
}

func TestController_SingleInFlightDiscipline(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	controller.AddHost(7, 12, "b")

	if line := daemon.receive(t); line != "A 11 a" {
		t.Fatalf("expected first command, got %q", line)
	}

	// The second command must not arrive until the first is
	// acknowledged.
	select {
	case line := <-daemon.lines:
		t.Fatalf("command %q sent before acknowledgement", line)
	case <-time.After(100 * time.Millisecond):
	}

	daemon.respond(t, "OK")
	if line := daemon.receive(t); line != "A 12 b" {
		t.Errorf("expected second command after OK, got %q", line)
	}
}

func TestController_ErrorResponsePopsAndContinues(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	controller.AddHost(7, 12, "b")

	daemon.receive(t)
	daemon.respond(t, "ERROR no such thing")

	if line := daemon.receive(t); line != "A 12 b" {
		t.Errorf("expected next command after ERROR, got %q", line)
	}
}

func TestController_NopingHasNoQueueEffect(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	daemon.receive(t)
	daemon.respond(t, "NOPING host is unpingable")

	// NOPING is advisory: the head stays queued and nothing new is
	// transmitted until a terminal response arrives.
	select {
	case line := <-daemon.lines:
		t.Fatalf("unexpected command %q after NOPING", line)
	case <-time.After(100 * time.Millisecond):
	}

	daemon.respond(t, "OK")
	controller.AddHost(7, 12, "b")
	if line := daemon.receive(t); line != "A 12 b" {
		t.Errorf("expected next command, got %q", line)
	}
}

func TestController_TransientFailureRetriesHead(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")

	if line := daemon.receive(t); line != "A 11 a" {
		t.Fatalf("expected command, got %q", line)
	}
	daemon.respond(t, "failed temporarily")

	// The same command must be re-sent after the retry delay.
	if line := daemon.receive(t); line != "A 11 a" {
		t.Errorf("expected head retry, got %q", line)
	}
}

func TestController_ReconnectResumesFromHead(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	daemon.receive(t)

	// Drop the socket mid-command; the controller reconnects and
	// re-sends the same head.
	daemon.dropConnection()

	if line := daemon.receive(t); line != "A 11 a" {
		t.Errorf("expected head re-sent after reconnect, got %q", line)
	}
	daemon.respond(t, "OK")
}

func TestController_RemoveCustomerIssuesRemovals(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	daemon.receive(t)
	daemon.respond(t, "OK")

	controller.RemoveCustomer(7)
	if line := daemon.receive(t); line != "R 11" {
		t.Errorf("expected \"R 11\", got %q", line)
	}
	if controller.NumberHosts() != 0 {
		t.Errorf("expected no registered hosts, got %d", controller.NumberHosts())
	}
}

func TestController_GoInactiveKeepsRegistrations(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	daemon.receive(t)
	daemon.respond(t, "OK")

	controller.GoInactive()
	if line := daemon.receive(t); line != "R 11" {
		t.Fatalf("expected removal, got %q", line)
	}
	daemon.respond(t, "OK")

	if controller.NumberHosts() != 1 {
		t.Errorf("expected registration to survive deactivation, got %d", controller.NumberHosts())
	}

	controller.GoActive()
	if line := daemon.receive(t); line != "A 11 a" {
		t.Errorf("expected re-registration, got %q", line)
	}
}

func TestController_DuplicateAddIgnored(t *testing.T) {
	daemon := newFakeDaemon(t)
	controller := newTestController(t, daemon)

	controller.AddHost(7, 11, "a")
	daemon.receive(t)
	daemon.respond(t, "OK")

	controller.AddHost(7, 11, "a")
	select {
	case line := <-daemon.lines:
		t.Fatalf("unexpected command %q for duplicate add", line)
	case <-time.After(100 * time.Millisecond):
	}
}
