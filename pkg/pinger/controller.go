// Package pinger maintains the control channel to the external ICMP
// pinger daemon: a line-oriented protocol over a local stream socket with
// a single command in flight at a time.
package pinger

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

const (
	// retryDelay is the wait before reconnecting or retrying a failed
	// command.
	retryDelay = 10 * time.Second

	// maximumLineLength bounds a single protocol line.
	maximumLineLength = 512
)

type commandKind int

const (
	commandAdd commandKind = iota
	commandRemove
	commandDefunct
)

type commandEntry struct {
	kind       commandKind
	hostID     uint32
	serverName string
}

// wireForm renders the command line without the terminator.
func (c commandEntry) wireForm() string {
	switch c.kind {
	case commandAdd:
		return fmt.Sprintf("A %d %s", c.hostID, c.serverName)
	case commandRemove:
		return fmt.Sprintf("R %d", c.hostID)
	case commandDefunct:
		return fmt.Sprintf("D %d", c.hostID)
	default:
		panic("unexpected pinger command")
	}
}

// Controller is the client side of the pinger control channel. Commands
// are queued and issued one at a time; the next command goes out only
// after the daemon acknowledges the previous one. A dropped socket is
// re-dialed after a fixed delay and transmission resumes from the queue
// head.
type Controller struct {
	commandMutex sync.Mutex
	queue        []commandEntry

	hostMutex       sync.Mutex
	serverByHostID  map[uint32]string
	hostsByCustomer map[uint32]map[uint32]struct{}

	ioMutex    sync.Mutex
	conn       net.Conn
	socketName string

	timerMutex sync.Mutex
	retryTimer *time.Timer

	logger *logrus.Logger

	// retryDelay defaults to the wire-spec value; shortened in tests.
	retryDelay time.Duration

	// resolve reports whether the ping target has an address record.
	// Purely advisory; overridable in tests.
	resolve func(host string) bool
}

// NewController creates a disconnected controller. Call Connect to attach
// it to the daemon's socket.
func NewController(logger *logrus.Logger) *Controller {
	c := &Controller{
		serverByHostID:  make(map[uint32]string),
		hostsByCustomer: make(map[uint32]map[uint32]struct{}),
		logger:          logger,
		retryDelay:      retryDelay,
	}
	c.resolve = c.lookupHost
	return c
}

// Connect records the socket name and dials the daemon. Failure is not
// fatal; transmission retries once commands are queued.
func (c *Controller) Connect(socketName string) {
	c.ioMutex.Lock()
	c.socketName = socketName
	c.ioMutex.Unlock()

	if c.dial() {
		c.logger.Info("Connecting to pinger")
	} else {
		c.logger.Warn("Failed to connect to pinger.")
	}
}

// NumberHosts returns the count of registered ping targets.
func (c *Controller) NumberHosts() uint {
	c.hostMutex.Lock()
	defer c.hostMutex.Unlock()
	return uint(len(c.serverByHostID))
}

// AddHost registers a host/scheme as a ping target for a customer and
// queues the ADD command. Re-registration of a known host is a no-op.
func (c *Controller) AddHost(customerID uint32, hostSchemeID uint32, serverName string) {
	c.hostMutex.Lock()
	if _, exists := c.serverByHostID[hostSchemeID]; exists {
		c.hostMutex.Unlock()
		return
	}
	c.serverByHostID[hostSchemeID] = serverName

	hosts, exists := c.hostsByCustomer[customerID]
	if !exists {
		hosts = make(map[uint32]struct{})
		c.hostsByCustomer[customerID] = hosts
	}
	hosts[hostSchemeID] = struct{}{}
	c.hostMutex.Unlock()

	if !c.resolve(serverName) {
		c.logger.Warnf("Ping target %s does not resolve; registering anyway.", serverName)
	}

	c.issueCommand(commandEntry{kind: commandAdd, hostID: hostSchemeID, serverName: serverName})
}

// RemoveCustomer drops every ping target registered for the customer and
// queues the matching REMOVE commands.
func (c *Controller) RemoveCustomer(customerID uint32) {
	c.hostMutex.Lock()
	hosts := c.hostsByCustomer[customerID]
	delete(c.hostsByCustomer, customerID)
	var removed []uint32
	for hostSchemeID := range hosts {
		delete(c.serverByHostID, hostSchemeID)
		removed = append(removed, hostSchemeID)
	}
	c.hostMutex.Unlock()

	for _, hostSchemeID := range removed {
		c.issueCommand(commandEntry{kind: commandRemove, hostID: hostSchemeID})
	}
}

// GoActive re-issues ADD commands for every registered host, used after a
// region change or reactivation.
func (c *Controller) GoActive() {
	c.hostMutex.Lock()
	entries := make([]commandEntry, 0, len(c.serverByHostID))
	for hostSchemeID, serverName := range c.serverByHostID {
		entries = append(entries, commandEntry{
			kind:       commandAdd,
			hostID:     hostSchemeID,
			serverName: serverName,
		})
	}
	c.hostMutex.Unlock()

	for _, entry := range entries {
		c.issueCommand(entry)
	}
}

// GoInactive issues REMOVE commands for every registered host without
// forgetting them, so GoActive can restore the set.
func (c *Controller) GoInactive() {
	c.hostMutex.Lock()
	entries := make([]commandEntry, 0, len(c.serverByHostID))
	for hostSchemeID := range c.serverByHostID {
		entries = append(entries, commandEntry{kind: commandRemove, hostID: hostSchemeID})
	}
	c.hostMutex.Unlock()

	for _, entry := range entries {
		c.issueCommand(entry)
	}
}

// Close tears down the socket. Queued commands are dropped.
func (c *Controller) Close() {
	c.timerMutex.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.timerMutex.Unlock()

	c.commandMutex.Lock()
	c.queue = nil
	c.commandMutex.Unlock()

	c.ioMutex.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.ioMutex.Unlock()
}

// issueCommand appends one command; transmission starts immediately when
// the queue was idle.
func (c *Controller) issueCommand(entry commandEntry) {
	c.commandMutex.Lock()
	wasEmpty := len(c.queue) == 0
	c.queue = append(c.queue, entry)
	c.commandMutex.Unlock()

	if wasEmpty {
		c.issueNextCommand()
	}
}

// issueNextCommand transmits the queue head if connected; otherwise it
// re-dials or schedules a retry.
func (c *Controller) issueNextCommand() {
	c.commandMutex.Lock()
	if len(c.queue) == 0 {
		c.commandMutex.Unlock()
		return
	}
	head := c.queue[0]
	c.commandMutex.Unlock()

	c.ioMutex.Lock()
	conn := c.conn
	c.ioMutex.Unlock()

	if conn == nil {
		if !c.dial() {
			c.scheduleRetry()
			return
		}
		c.ioMutex.Lock()
		conn = c.conn
		c.ioMutex.Unlock()
	}

	line := head.wireForm()
	c.logger.Debugf("Issuing pinger command %q", line)

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		c.logger.Warnf("Pinger write failed: %v", err)
		c.dropConnection(conn)
		c.scheduleRetry()
	}
}

// dial connects to the daemon and starts the read loop.
func (c *Controller) dial() bool {
	c.ioMutex.Lock()
	socketName := c.socketName
	if socketName == "" || c.conn != nil {
		c.ioMutex.Unlock()
		return c.conn != nil
	}
	c.ioMutex.Unlock()

	conn, err := net.Dial("unix", socketName)
	if err != nil {
		return false
	}

	c.ioMutex.Lock()
	c.conn = conn
	c.ioMutex.Unlock()

	go c.readLoop(conn)
	return true
}

// readLoop consumes daemon responses until the socket drops.
func (c *Controller) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maximumLineLength), maximumLineLength)

	for scanner.Scan() {
		c.handleResponse(strings.TrimSpace(scanner.Text()))
	}

	c.logger.Warn("Pinger disconnected unexpectedly.")
	c.dropConnection(conn)
	c.scheduleRetry()
}

// handleResponse applies one acknowledgement line to the queue head.
func (c *Controller) handleResponse(line string) {
	switch {
	case line == "OK":
		c.popHead()
		c.issueNextCommand()
	case strings.HasPrefix(line, "NOPING"):
		// Advisory only; the daemon keeps the host. No queue effect.
	case strings.HasPrefix(line, "ERROR"):
		c.logger.Warnf(
			"Pinger reported error, command %q, response %q, ignoring.",
			c.headWireForm(), line,
		)
		c.popHead()
		c.issueNextCommand()
	case strings.HasPrefix(line, "failed"):
		c.logger.Warnf(
			"Pinger reported error, command %q, response %q, will retry.",
			c.headWireForm(), line,
		)
		c.scheduleRetry()
	}
}

func (c *Controller) headWireForm() string {
	c.commandMutex.Lock()
	defer c.commandMutex.Unlock()
	if len(c.queue) == 0 {
		return ""
	}
	return c.queue[0].wireForm()
}

func (c *Controller) popHead() {
	c.commandMutex.Lock()
	if len(c.queue) > 0 {
		c.queue = c.queue[1:]
	}
	c.commandMutex.Unlock()
}

func (c *Controller) dropConnection(conn net.Conn) {
	conn.Close()
	c.ioMutex.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.ioMutex.Unlock()
}

func (c *Controller) scheduleRetry() {
	c.timerMutex.Lock()
	defer c.timerMutex.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.retryDelay, c.issueNextCommand)
}

// lookupHost asks the system resolver for an A record. The result only
// gates a warning; unresolvable hosts are still handed to the daemon.
func (c *Controller) lookupHost(host string) bool {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return true
	}

	message := new(dns.Msg)
	message.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := &dns.Client{Timeout: 2 * time.Second}
	response, _, err := client.Exchange(message, net.JoinHostPort(config.Servers[0], config.Port))
	if err != nil || response == nil {
		return true
	}

	return len(response.Answer) > 0
}
