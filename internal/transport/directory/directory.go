// Package directory holds the configured destinations polls are addressed
// to by (guild, channel) labels.
package directory

import (
	"strings"
	"sync/atomic"

	"pollcron/internal/transport"
)

// Static is a transport.Directory backed by a list that can be swapped at
// runtime (config reload) without locking readers.
type Static struct {
	entries atomic.Pointer[[]transport.Destination]
}

func New(dests []transport.Destination) *Static {
	d := &Static{}
	d.Replace(dests)
	return d
}

// Replace swaps the whole destination list.
func (d *Static) Replace(dests []transport.Destination) {
	cp := append([]transport.Destination(nil), dests...)
	d.entries.Store(&cp)
}

// Lookup returns every destination whose labels equal guild and channel.
// Labels are compared exactly after trimming surrounding spaces.
func (d *Static) Lookup(guild, channel string) []transport.Destination {
	p := d.entries.Load()
	if p == nil {
		return nil
	}
	guild, channel = strings.TrimSpace(guild), strings.TrimSpace(channel)
	var out []transport.Destination
	for _, e := range *p {
		if strings.TrimSpace(e.Guild) == guild && strings.TrimSpace(e.Channel) == channel {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many destinations are configured.
func (d *Static) Len() int {
	if p := d.entries.Load(); p != nil {
		return len(*p)
	}
	return 0
}
