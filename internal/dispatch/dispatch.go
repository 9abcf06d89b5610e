// Package dispatch fans a list of delivery requests out in fixed-size chunks.
//
// Chunks run one after another; the sends inside a chunk run concurrently and
// all of them settle before the next chunk starts. A failing send never
// aborts its siblings.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"articlecast/internal/delivery"
	logx "articlecast/pkg/logx"
)

const DefaultChunkSize = 50

// SendFunc delivers one request and reports how it settled. It must not
// panic; a panic is recovered and reported as a terminal outcome.
type SendFunc func(ctx context.Context, req delivery.Request) delivery.Outcome

// Result holds one outcome per input request, in input order.
type Result struct {
	Outcomes   []delivery.Outcome
	ChunkSizes []int
}

func (r Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

func (r Result) Failed() int { return len(r.Outcomes) - r.Succeeded() }

type Dispatcher struct {
	chunk int
	log   logx.Logger
}

// New returns a dispatcher with the given chunk size. size <= 0 uses
// DefaultChunkSize.
func New(size int, log logx.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{chunk: size, log: log.With(logx.String("comp", "dispatch"))}
}

func (d *Dispatcher) ChunkSize() int { return d.chunk }

// Chunks splits n items into ceil(n/size) chunk lengths.
func Chunks(n, size int) []int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make([]int, 0, (n+size-1)/size)
	for off := 0; off < n; off += size {
		out = append(out, min(size, n-off))
	}
	return out
}

// Dispatch sends every request through send. Once ctx is done, requests of
// later chunks are settled as canceled without calling send.
func (d *Dispatcher) Dispatch(ctx context.Context, reqs []delivery.Request, send SendFunc) Result {
	res := Result{
		Outcomes:   make([]delivery.Outcome, len(reqs)),
		ChunkSizes: Chunks(len(reqs), d.chunk),
	}
	off := 0
	for i, size := range res.ChunkSizes {
		chunk := reqs[off : off+size]
		out := res.Outcomes[off : off+size]
		if err := ctx.Err(); err != nil {
			for j, r := range chunk {
				out[j] = canceledOutcome(r, err)
			}
			off += size
			continue
		}

		start := time.Now()
		var g errgroup.Group
		for j := range chunk {
			g.Go(func() error {
				out[j] = d.sendSafe(ctx, chunk[j], send)
				return nil
			})
		}
		_ = g.Wait()

		d.log.Debug("chunk settled",
			logx.Int("chunk", i+1),
			logx.Int("chunks", len(res.ChunkSizes)),
			logx.Int("size", size),
			logx.Duration("dur", time.Since(start)),
		)
		off += size
	}
	return res
}

func (d *Dispatcher) sendSafe(ctx context.Context, req delivery.Request, send SendFunc) (o delivery.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in send", logx.String("key", req.DedupeKey), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			o = delivery.Outcome{
				Request: req,
				Err:     delivery.NewTerminal(req.Channel, "", fmt.Sprintf("panic: %v", r), nil),
			}
		}
	}()
	o = send(ctx, req)
	o.Request = req
	return o
}

func canceledOutcome(req delivery.Request, err error) delivery.Outcome {
	return delivery.Outcome{
		Request: req,
		Err:     delivery.NewTransient(req.Channel, "", "canceled before send", err),
	}
}
