// Package wire carries the channel protocol between a dungeon and its
// players over TCP using length-prefixed JSON messages.
package wire

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MsgType labels a wire message.
type MsgType string

const (
	MsgHello    MsgType = "hello"
	MsgJoin     MsgType = "join"
	MsgJoinAck  MsgType = "join_ack"
	MsgMove     MsgType = "move"
	MsgMoveAck  MsgType = "move_ack"
	MsgWithdraw MsgType = "withdraw"
	MsgError    MsgType = "error"
)

// MaxMessageSize bounds a single frame.
const MaxMessageSize = 4 << 20

// Message is the envelope for every frame. ID pairs a reply with its
// request; the reply carries the request's ID.
type Message struct {
	Type    MsgType         `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a message.
func NewMessage(typ MsgType, id uint64, payload any) (Message, error) {
	msg := Message{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return msg, errors.Wrapf(err, "marshal %s", typ)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.Errorf("%s: empty payload", m.Type)
	}
	return errors.Wrapf(json.Unmarshal(m.Payload, v), "decode %s", m.Type)
}

// Hello introduces one side of a connection. Players send their address;
// the dungeon answers with its own.
type Hello struct {
	NodeID  string `json:"node_id,omitempty"`
	Address string `json:"address"`
}

// Conn is one framed connection.
type Conn struct {
	ID   string
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewConn wraps an established connection.
func NewConn(id string, conn net.Conn) *Conn {
	return &Conn{ID: id, Addr: conn.RemoteAddr().String(), conn: conn}
}

// DialConn opens a connection to addr. A nil tlsCfg means plain TCP.
func DialConn(addr string, tlsCfg *tls.Config) (*Conn, error) {
	var (
		c   net.Conn
		err error
	)
	if tlsCfg != nil {
		c, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		c, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return NewConn(addr, c), nil
}

// Send writes one length-prefixed frame.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxMessageSize {
		return errors.Errorf("message too large: %d bytes", len(data))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Errorf("connection %s closed", c.ID)
	}
	// 4-byte big-endian length prefix
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err = c.conn.Write(frame)
	return err
}

// Receive reads the next frame.
func (c *Conn) Receive() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return Message{}, errors.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, errors.Wrap(err, "decode frame")
	}
	return msg, nil
}

// Close terminates the connection.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}
