package notifier

import (
	"math"

	"articlecast/internal/delivery"
	"articlecast/internal/eventbus"
	"articlecast/internal/ledger"
	"articlecast/internal/ratelimit"
	"articlecast/internal/retry"
	"articlecast/internal/storage"
	logx "articlecast/pkg/logx"
)

// Context is the delivery state shared by every broadcast of a process.
type Context struct {
	Ledger   *ledger.Ledger
	Limiters map[delivery.Channel]*ratelimit.Bucket
	Policy   retry.Policy
	Store    storage.Store // optional
	Bus      eventbus.Bus  // optional
	Log      logx.Logger
}

// NewContext builds a Context with an empty ledger and no limiters.
func NewContext(policy retry.Policy, ceiling int, store storage.Store, bus eventbus.Bus, log logx.Logger) Context {
	if log.IsZero() {
		log = logx.Nop()
	}
	var opts []ledger.Option
	if store != nil {
		opts = append(opts, ledger.WithStore(store))
	}
	return Context{
		Ledger:   ledger.New(ceiling, log, opts...),
		Limiters: map[delivery.Channel]*ratelimit.Bucket{},
		Policy:   policy.Normalize(),
		Store:    store,
		Bus:      bus,
		Log:      log,
	}
}

// BucketFor returns the channel's bucket, creating one sized for rate when
// missing. Capacity is one second of traffic.
func (c Context) BucketFor(ch delivery.Channel, rate float64) *ratelimit.Bucket {
	if b, ok := c.Limiters[ch]; ok && b != nil {
		return b
	}
	b := ratelimit.NewBucket(bucketCapacity(rate), rate)
	c.Limiters[ch] = b
	return b
}

func bucketCapacity(rate float64) int {
	if rate <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(rate)))
}
