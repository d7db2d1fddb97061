package moderation

import "sync/atomic"

// Stats counts what a session did with the events and commands it saw.
type Stats struct {
	EventsApplied  uint64
	EventsQueued   uint64
	EventsIgnored  uint64
	CommandsOK     uint64
	CommandsFailed uint64
}

type counters struct {
	applied  atomic.Uint64
	queued   atomic.Uint64
	ignored  atomic.Uint64
	cmdOK    atomic.Uint64
	cmdError atomic.Uint64
}

func (c *counters) reset() {
	c.applied.Store(0)
	c.queued.Store(0)
	c.ignored.Store(0)
	c.cmdOK.Store(0)
	c.cmdError.Store(0)
}

func (c *counters) command(err error) {
	if err != nil {
		c.cmdError.Add(1)
		return
	}
	c.cmdOK.Add(1)
}

func (c *counters) snapshot() Stats {
	return Stats{
		EventsApplied:  c.applied.Load(),
		EventsQueued:   c.queued.Load(),
		EventsIgnored:  c.ignored.Load(),
		CommandsOK:     c.cmdOK.Load(),
		CommandsFailed: c.cmdError.Load(),
	}
}
