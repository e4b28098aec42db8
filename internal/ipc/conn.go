package ipc

import (
	"bufio"
	"net"
	"time"
)

// Conn wraps a stream connection with the frame codec. It is used by both
// ends: the daemon reads requests and writes responses, the client does the
// reverse. Writes are buffered and flushed per message.
//
// Conn does not add its own locking. The daemon serializes per connection;
// clients issue one request at a time.
type Conn struct {
	c   net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	max uint32
}

// NewConn wraps c. A maxFrame of zero selects DefaultMaxFrame.
func NewConn(c net.Conn, maxFrame uint32) *Conn {
	return &Conn{
		c:   c,
		br:  bufio.NewReader(c),
		bw:  bufio.NewWriter(c),
		max: maxFrame,
	}
}

// WriteMessage writes any YAML-marshalable message as one frame and flushes.
// The plugin protocol uses this for its own envelope types.
func (c *Conn) WriteMessage(v interface{}) error {
	if err := WriteMessage(c.bw, v); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadMessage reads one frame into v.
func (c *Conn) ReadMessage(v interface{}) error {
	return ReadMessage(c.br, c.max, v)
}

// ReadRequest reads one request envelope.
func (c *Conn) ReadRequest() (*Request, error) {
	var req Request
	if err := ReadMessage(c.br, c.max, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteRequest writes one request envelope.
func (c *Conn) WriteRequest(req *Request) error {
	if err := WriteMessage(c.bw, req); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadResponse reads one response envelope.
func (c *Conn) ReadResponse() (*Response, error) {
	var resp Response
	if err := ReadMessage(c.br, c.max, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteResponse writes one response envelope.
func (c *Conn) WriteResponse(resp *Response) error {
	if err := WriteMessage(c.bw, resp); err != nil {
		return err
	}
	return c.bw.Flush()
}

// ReadEvent reads one streamed event.
func (c *Conn) ReadEvent() (*Event, error) {
	var e Event
	if err := ReadMessage(c.br, c.max, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// WriteEvent writes one streamed event.
func (c *Conn) WriteEvent(e *Event) error {
	if err := WriteMessage(c.bw, e); err != nil {
		return err
	}
	return c.bw.Flush()
}

// SetDeadline applies an absolute deadline to reads and writes.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.c.SetDeadline(t)
}

// SetReadDeadline applies an absolute deadline to reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}
