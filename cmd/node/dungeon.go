package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/core"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/maze"
)

// dungeon keeps one open session on offer: it activates a session once it
// is full, settles it after it closes and then offers a fresh maze.
type dungeon struct {
	ctx        context.Context
	auth       *maze.Authority
	mgr        *channel.Manager
	maxPlayers int
	settleWait time.Duration
	log        zerolog.Logger
}

func newDungeon(ctx context.Context, auth *maze.Authority, mgr *channel.Manager, em *events.Emitter, maxPlayers int, settleWait time.Duration) *dungeon {
	d := &dungeon{
		ctx:        ctx,
		auth:       auth,
		mgr:        mgr,
		maxPlayers: maxPlayers,
		settleWait: settleWait,
		log:        log.With().Str("component", "dungeon").Logger(),
	}
	// Emit runs handlers inline on the emitting session; work moves to
	// goroutines so no session lock is held here.
	joined := em.Subscribe(events.EventPlayerJoined, func(ev events.Event) { go d.maybeActivate(ev.SessionID) })
	closing := em.Subscribe(events.EventSessionClosing, func(ev events.Event) { go d.settle(ev.SessionID) })
	go func() {
		<-ctx.Done()
		joined()
		closing()
	}()
	return d
}

// offer publishes a new maze and opens a session on it.
func (d *dungeon) offer() error {
	desc, err := d.auth.Produce(d.ctx)
	if err != nil {
		return errors.Wrap(err, "produce maze")
	}
	e, err := d.mgr.Assign(d.ctx, channel.Assignment{MazeID: desc.ID})
	if err != nil {
		return errors.Wrap(err, "open session")
	}
	d.log.Info().Str("session", e.ID()).Str("maze", desc.ID).Msg("session on offer")
	return nil
}

// resume finishes sessions restored from disk and offers a new one when
// nothing is accepting players.
func (d *dungeon) resume() error {
	opening := false
	for _, id := range d.mgr.Sessions() {
		e, err := d.mgr.Engine(id)
		if err != nil {
			continue
		}
		switch e.Status() {
		case core.SessionOpening:
			opening = true
		case core.SessionClosing:
			go d.settle(id)
		}
	}
	if opening {
		return nil
	}
	return d.offer()
}

func (d *dungeon) maybeActivate(id string) {
	e, err := d.mgr.Engine(id)
	if err != nil {
		return
	}
	if len(e.Snapshot().Players) < d.maxPlayers {
		return
	}
	if err := e.Activate(d.ctx); err != nil {
		d.log.Error().Err(err).Str("session", id).Msg("activate failed")
		return
	}
	if err := d.offer(); err != nil {
		d.log.Error().Err(err).Msg("offer next session")
	}
}

// settle closes the session, waits out open challenges and pays it out.
func (d *dungeon) settle(id string) {
	e, err := d.mgr.Engine(id)
	if err != nil {
		return
	}
	if _, err := e.Close(d.ctx); err != nil {
		d.log.Error().Err(err).Str("session", id).Msg("close failed")
		return
	}

	dist, err := backoff.Retry(d.ctx, func() (core.Distribution, error) {
		dist, err := e.Settle(d.ctx)
		if err != nil && !errors.Is(err, core.ErrUnresolved) {
			return nil, backoff.Permanent(err)
		}
		return dist, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxElapsedTime(d.settleWait),
	)
	if err != nil {
		d.log.Error().Err(err).Str("session", id).Msg("settle failed")
		return
	}
	d.log.Info().Str("session", id).Int("payees", len(dist)).Msg("session paid out")
	if err := d.mgr.Teardown(id); err != nil {
		d.log.Warn().Err(err).Str("session", id).Msg("teardown")
	}
}
