package wire

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/maze"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("wire: client closed")

// DialOptions tune how a client connects.
type DialOptions struct {
	TLS      *tls.Config
	Tries    uint
	Interval time.Duration
}

// Client is a player's connection to a dungeon.
type Client struct {
	conn    *Conn
	dungeon Hello
	log     zerolog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message
	err     error
	done    chan struct{}
}

// Dial connects to addr, retrying refused connections with backoff, and
// exchanges hellos announcing address.
func Dial(ctx context.Context, addr, address string, opts DialOptions) (*Client, error) {
	if opts.Tries == 0 {
		opts.Tries = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.Interval

	conn, err := backoff.Retry(ctx, func() (*Conn, error) {
		return DialConn(addr, opts.TLS)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(opts.Tries))
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		log:     log.With().Str("component", "wire").Str("dungeon", addr).Logger(),
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var h Hello
	if err := c.call(ctx, MsgHello, Hello{Address: address}, MsgHello, &h); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "hello")
	}
	c.dungeon = h
	return c, nil
}

// Dungeon returns the dungeon's hello.
func (c *Client) Dungeon() Hello { return c.dungeon }

// Close drops the connection and fails every waiting request.
func (c *Client) Close() {
	c.conn.Close()
	<-c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	var err error
	for {
		var msg Message
		msg, err = c.conn.Receive()
		if err != nil {
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("type", string(msg.Type)).Uint64("id", msg.ID).Msg("unsolicited message")
			continue
		}
		ch <- msg
	}
	c.conn.Close()
	c.mu.Lock()
	c.err = errors.Wrap(ErrClosed, err.Error())
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// call sends a request and waits for its reply, decoding it into out.
func (c *Client) call(ctx context.Context, typ MsgType, payload any, want MsgType, out any) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	msg, err := NewMessage(typ, id, payload)
	if err != nil {
		drop()
		return err
	}
	if err := c.conn.Send(msg); err != nil {
		drop()
		return err
	}

	select {
	case <-ctx.Done():
		drop()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		switch resp.Type {
		case want:
			if out == nil {
				return nil
			}
			return resp.Decode(out)
		case MsgError:
			var p ErrorPayload
			if err := resp.Decode(&p); err != nil {
				return err
			}
			return p.Err()
		default:
			return errors.Errorf("unexpected reply %q to %q", resp.Type, typ)
		}
	}
}

// Join sends a join request and returns the countersigned genesis state.
func (c *Client) Join(ctx context.Context, req *core.JoinRequest) (*core.SignedState, error) {
	var genesis core.SignedState
	if err := c.call(ctx, MsgJoin, req, MsgJoinAck, &genesis); err != nil {
		return nil, err
	}
	return &genesis, nil
}

// Move submits one move and returns the dungeon's acknowledgement.
func (c *Client) Move(ctx context.Context, sub *core.MoveSubmission) (*core.MoveAck, error) {
	var ack core.MoveAck
	if err := c.call(ctx, MsgMove, sub, MsgMoveAck, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Withdraw leaves the channel at its last countersigned state.
func (c *Client) Withdraw(ctx context.Context, req *core.WithdrawRequest) error {
	return c.call(ctx, MsgWithdraw, req, MsgWithdraw, nil)
}

// Enter joins p's session through the client.
func (c *Client) Enter(ctx context.Context, p *channel.Player, ante uint64) error {
	if c.dungeon.Address != "" && c.dungeon.Address != p.Dungeon() {
		return errors.Wrap(core.ErrBadSignature, "connected to a different dungeon")
	}
	req, err := p.JoinRequest(ctx, ante)
	if err != nil {
		return err
	}
	genesis, err := c.Join(ctx, req)
	if err != nil {
		return err
	}
	return p.Joined(genesis)
}

// Step makes one move for p: it proves and sends the move, then checks and
// applies the reveal. A sequence conflict re-synchronises p before the
// error is returned.
func (c *Client) Step(ctx context.Context, p *channel.Player, a commitment.Action) ([]maze.Cell, error) {
	sub, err := p.Move(ctx, a)
	if err != nil {
		return nil, err
	}
	ack, err := c.Move(ctx, sub)
	if err != nil {
		p.Rejected(err)
		return nil, err
	}
	return p.Accept(ack)
}
