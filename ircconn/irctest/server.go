// Package irctest runs an in-process chat server for tests. It speaks just
// enough of the protocol to complete a handshake, echo membership changes and
// answer keep-alives; everything else a client writes is recorded so tests can
// assert on it.
package irctest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Options tune the server's canned behavior.
type Options struct {
	// RejectAuth answers every handshake with an authentication failure.
	RejectAuth bool
	// SilentHandshake suppresses the 001 welcome.
	SilentHandshake bool
	// EchoMembership echoes the client's own JOIN and PART commands.
	EchoMembership bool
	// IgnorePing leaves client keep-alives unanswered.
	IgnorePing bool
}

// DefaultOptions completes handshakes and echoes membership.
func DefaultOptions() Options {
	return Options{EchoMembership: true}
}

// Server is a fake chat server listening on loopback.
type Server struct {
	opts     Options
	ln       net.Listener
	accepted chan *Conn
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  []*Conn
	closed bool
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		opts:     opts,
		ln:       ln,
		accepted: make(chan *Conn, 16),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Accept waits for the next client connection.
func (s *Server) Accept(t testing.TB, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection within %s", timeout)
		return nil
	}
}

// Connections returns the number of connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, drops every client and waits for server goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := append([]*Conn(nil), s.conns...)
	s.mu.Unlock()

	_ = s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &Conn{srv: s, nc: nc, lines: make(chan Line, 4096)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns = append(s.conns, c)
		s.mu.Unlock()

		s.wg.Add(1)
		go c.serve()
		select {
		case s.accepted <- c:
		default:
		}
	}
}

// Line is one line a client wrote, stamped on arrival.
type Line struct {
	Text string
	At   time.Time
}

// Conn is the server side of one client connection.
type Conn struct {
	srv *Server
	nc  net.Conn

	wmu   sync.Mutex
	lines chan Line

	mu   sync.Mutex
	nick string
	pass string
}

// Nick returns the nick the client registered with.
func (c *Conn) Nick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// Pass returns the PASS argument the client sent, if any.
func (c *Conn) Pass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pass
}

// Send writes one raw line to the client.
func (c *Conn) Send(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(c.nc, "%s\r\n", line)
	return err
}

// SendRaw writes bytes without framing, for split-frame tests.
func (c *Conn) SendRaw(b string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write([]byte(b))
	return err
}

// Close drops the client.
func (c *Conn) Close() { _ = c.nc.Close() }

// Next returns the next line the client sent.
func (c *Conn) Next(timeout time.Duration) (Line, bool) {
	select {
	case l, ok := <-c.lines:
		return l, ok
	case <-time.After(timeout):
		return Line{}, false
	}
}

// ExpectLine skips client lines until one starts with prefix.
func (c *Conn) ExpectLine(t testing.TB, prefix string, timeout time.Duration) Line {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		l, ok := c.Next(time.Until(deadline))
		if !ok {
			t.Fatalf("no client line with prefix %q within %s", prefix, timeout)
			return Line{}
		}
		if strings.HasPrefix(l.Text, prefix) {
			return l
		}
	}
}

// Expect is ExpectLine returning only the text.
func (c *Conn) Expect(t testing.TB, prefix string, timeout time.Duration) string {
	t.Helper()
	return c.ExpectLine(t, prefix, timeout).Text
}

func (c *Conn) serve() {
	defer c.srv.wg.Done()
	defer close(c.lines)
	sc := bufio.NewScanner(c.nc)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		at := time.Now()
		c.handle(line)
		select {
		case c.lines <- Line{Text: line, At: at}:
		default:
		}
	}
}

func (c *Conn) handle(line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToUpper(cmd) {
	case "PASS":
		c.mu.Lock()
		c.pass = arg
		c.mu.Unlock()
	case "NICK":
		c.mu.Lock()
		c.nick = arg
		c.mu.Unlock()
		switch {
		case c.srv.opts.RejectAuth:
			_ = c.Send(":tmi.twitch.tv NOTICE * :Login authentication failed")
			c.Close()
		case !c.srv.opts.SilentHandshake:
			_ = c.Send(":tmi.twitch.tv CAP * ACK :twitch.tv/tags twitch.tv/commands twitch.tv/membership")
			_ = c.Send(fmt.Sprintf(":tmi.twitch.tv 001 %s :Welcome, GLHF!", arg))
			_ = c.Send(fmt.Sprintf(":tmi.twitch.tv 376 %s :>", arg))
		}
	case "PING":
		if c.srv.opts.IgnorePing {
			return
		}
		_ = c.Send(":tmi.twitch.tv PONG tmi.twitch.tv " + arg)
	case "JOIN", "PART":
		if !c.srv.opts.EchoMembership {
			return
		}
		nick := c.Nick()
		for _, ch := range strings.Split(arg, ",") {
			_ = c.Send(fmt.Sprintf(":%s!%s@%s.tmi.twitch.tv %s %s", nick, nick, nick, strings.ToUpper(cmd), ch))
		}
	}
}
