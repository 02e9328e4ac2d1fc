package bandwidth

import (
	"sort"

	"github.com/rs/zerolog"
)

// Registry holds one Channel per distinct rate. It is filled once at startup
// and only read afterwards, so lookups need no locking.
type Registry struct {
	channels map[Rate]*Channel
	log      zerolog.Logger
}

// NewRegistry creates a channel for every distinct rate. The unlimited
// channel is always present.
func NewRegistry(log zerolog.Logger, rates ...Rate) *Registry {
	reg := &Registry{
		channels: make(map[Rate]*Channel, len(rates)+1),
		log:      log,
	}
	reg.add(Unlimited)
	for _, r := range rates {
		reg.add(r)
	}
	return reg
}

func (reg *Registry) add(r Rate) {
	if r < 0 {
		reg.log.Warn().Int64("rate", int64(r)).Msg("Invalid bandwidth, using unlimited channel")
		r = Unlimited
	}
	if _, ok := reg.channels[r]; ok {
		return
	}
	reg.channels[r] = NewChannel(r, reg.log)
	reg.log.Debug().Stringer("rate", r).Msg("Channel created")
}

// Lookup returns the channel for r. Rates that were not registered at startup
// fall back to the unlimited channel.
func (reg *Registry) Lookup(r Rate) *Channel {
	if c, ok := reg.channels[normalize(r)]; ok {
		return c
	}
	reg.log.Warn().Stringer("rate", r).Msg("No channel registered for rate, using unlimited")
	return reg.channels[Unlimited]
}

// Rates returns the registered rates in ascending order.
func (reg *Registry) Rates() []Rate {
	rates := make([]Rate, 0, len(reg.channels))
	for r := range reg.channels {
		rates = append(rates, r)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	return rates
}

func normalize(r Rate) Rate {
	if r < 0 {
		return Unlimited
	}
	return r
}
