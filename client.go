// Package quic ties the transport package's connection state machine to
// a real UDP socket: it owns the read/write pump a client connection
// needs and the diagnostics wiring (qlog trace, logrus) around it.
package quic

import (
	"sync"
	"time"

	"github.com/quicproto/qclient/transport"
)

// Handler reacts to the application-visible events a Client's
// connection produces. Serve runs on the connection's own pump
// goroutine; implementations must not block it for long.
type Handler interface {
	Serve(c *Client, events []transport.Event)
}

// Client drives one client-side QUIC connection end to end: dialing a
// peer over UDP, running the handshake, and pumping packets between the
// socket and the connection state machine until it closes.
type Client struct {
	config *transport.Config
	logger *logger

	handler Handler

	mu     sync.Mutex
	sender transport.Sender
	conn   *transport.Conn

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewClient constructs a Client that drives connections per config.
// config should come from transport.NewBuilder().Build(), which rejects
// a config with no TLS engine; Connect itself does not check for one.
func NewClient(config *transport.Config) *Client {
	return &Client{
		config:  config,
		logger:  newLogger(),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetHandler installs the event handler the pump loop reports through.
// Call before Connect; Connect does not synchronize against later calls.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetLogLevel configures how much of the connection's qlog-shaped trace
// is emitted through logrus, mirroring the teacher CLI's -v flag.
func (c *Client) SetLogLevel(level LogLevel) {
	c.logger.setLevel(level)
}

// Connect dials addr over UDP, drives the handshake, and starts the
// background pump that keeps feeding the connection from the socket and
// the socket from the connection until Close or a terminal event. It
// returns once the handshake completes, fails, or timeout elapses
// (zero means no deadline).
func (c *Client) Connect(addr, alpn string, timeout time.Duration) error {
	if addr == "" {
		addr = c.config.Addr
	}
	sender, err := transport.NewUDPSender(addr)
	if err != nil {
		return err
	}
	conn, err := transport.Connect(nil, alpn, timeout, c.config)
	if err != nil {
		sender.Close()
		return err
	}
	c.mu.Lock()
	c.sender = sender
	c.conn = conn
	c.mu.Unlock()

	c.logger.attachLogger(conn, conn.SourceCID())
	c.flush()

	handshakeDone := make(chan error, 1)
	go c.readPump(handshakeDone)
	go c.timerPump()
	return <-handshakeDone
}

// Conn returns the connection Connect established, or nil before
// Connect is called. Close does not clear it, so after Close this
// returns the closed connection.
func (c *Client) Conn() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// readPump reads datagrams off the socket and feeds them to the
// connection, reporting events to the handler and resolving
// handshakeDone the first time the connection becomes established,
// fails to connect, or closes before ever establishing.
func (c *Client) readPump(handshakeDone chan<- error) {
	defer close(c.doneCh)
	resolved := false
	resolve := func(err error) {
		if !resolved {
			resolved = true
			handshakeDone <- err
		}
	}

	buf := make([]byte, 65535)
	for {
		select {
		case <-c.closeCh:
			resolve(nil)
			return
		default:
		}
		n, _, err := c.sender.ReadFrom(buf)
		if err != nil {
			resolve(err)
			return
		}
		if _, err := c.conn.Write(buf[:n]); err != nil {
			resolve(err)
			return
		}
		c.flush()

		events := c.conn.Events(nil)
		if len(events) > 0 && c.handler != nil {
			c.handler.Serve(c, events)
		}
		for _, e := range events {
			switch e.Type {
			case transport.EventConnClose, transport.EventConnTimeout:
				resolve(nil)
				return
			}
		}
		if c.conn.IsEstablished() {
			resolve(nil)
		}
	}
}

// timerPump drives Conn.Tick whenever Timeout() elapses without a
// datagram arriving to trigger checkTimeout as a side effect of Write,
// so loss-time detection, the PTO backoff, and the connect/idle/draining
// deadlines are checked even on a quiet socket. A PTO expiry only
// increases the backoff; it does not send a probe packet.
func (c *Client) timerPump() {
	for {
		d := c.conn.Timeout()
		if d < 0 {
			d = time.Second
		}
		timer := time.NewTimer(d)
		select {
		case <-c.closeCh:
			timer.Stop()
			return
		case <-timer.C:
			c.conn.Tick()
			c.flush()
			if c.conn.IsClosed() {
				return
			}
		}
	}
}

// flush drains every packet the connection currently has queued to send
// and writes each to the socket. Conn.Read returns one packet per call
// and each is written as its own datagram; packets are not coalesced.
func (c *Client) flush() {
	buf := make([]byte, 1452)
	for {
		n, err := c.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := c.sender.WriteTo(buf[:n], nil); err != nil {
			return
		}
	}
}

// Close tears down the connection, sending CONNECTION_CLOSE with
// errCode/reason if it hasn't already closed, then releases the socket.
func (c *Client) Close(errCode uint64, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn, sender := c.conn, c.sender
		c.mu.Unlock()
		if conn != nil {
			conn.Close(false, errCode, reason)
			c.flush()
			c.logger.detachLogger(conn)
		}
		close(c.closeCh)
		if sender != nil {
			// Unblocks readPump's in-flight ReadFrom before we wait on it.
			err = sender.Close()
			<-c.doneCh
		}
	})
	return err
}
