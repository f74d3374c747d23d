package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/curious-containers/cc-server/pkg/log"
)

// Actions understood by the master inbox.
const (
	ActionSchedule              = "schedule"
	ActionContainerCallback     = "container_callback"
	ActionDataContainerCallback = "data_container_callback"
	ActionUpdateNodeStatus      = "update_node_status"
)

// Message is one inbox message.
type Message struct {
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Server is a PULL socket: it accepts connections and hands every received
// line to the handler.
type Server struct {
	addr    string
	handler func([]byte)
	tee     log.Tee
	ln      net.Listener
}

// NewServer creates a server handing raw lines to handler.
func NewServer(addr string, handler func([]byte), tee log.Tee) *Server {
	return &Server{addr: addr, handler: handler, tee: tee}
}

// NewMessageServer creates a server decoding JSON messages.
func NewMessageServer(addr string, handler func(Message), tee log.Tee) *Server {
	return NewServer(addr, func(line []byte) {
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			tee(fmt.Sprintf("Dropping malformed bus message: %v", err))
			return
		}
		handler(msg)
	}, tee)
}

// Listen binds the socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bus listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.tee(fmt.Sprintf("Bus accept failed: %v", err))
				continue
			}
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		buf := make([]byte, len(line))
		copy(buf, line)
		s.handler(buf)
	}
}

// Client is a PUSH socket with lazy reconnect.
type Client struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a push client. The connection is established on first
// use.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 5 * time.Second}
}

// PushLine writes one raw line.
func (c *Client) PushLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(line); err == nil {
		return nil
	}
	// One reconnect attempt; the socket may have gone stale.
	c.close()
	if err := c.connect(); err != nil {
		return err
	}
	return c.write(line)
}

// Push writes one JSON message.
func (c *Client) Push(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.PushLine(raw)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
	return nil
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("bus connect to %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) write(line []byte) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
