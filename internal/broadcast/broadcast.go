// Package broadcast fans presence deltas out to registered connections.
package broadcast

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"keylobby/internal/debuglog"
	"keylobby/internal/metrics"
	"keylobby/internal/proto"
	"keylobby/internal/registry"
)

// Policy decides how a multi-identity departure is framed on the wire.
type Policy string

const (
	PerDeparture Policy = "per_departure"
	Batched      Policy = "batched"

	defaultConcurrency = 32
	failLogInterval    = 10 * time.Second
)

var log = debuglog.Component("broadcast")

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PerDeparture:
		return PerDeparture, nil
	case Batched:
		return Batched, nil
	default:
		return "", fmt.Errorf("unknown broadcast policy %q", s)
	}
}

type Options struct {
	Policy      Policy
	Concurrency int
	Metrics     *metrics.Metrics
}

// Report summarises one call. Deltas counts frames, Failed counts per
// recipient sends that did not go out.
type Report struct {
	Deltas     int
	Recipients int
	Failed     int
}

func (r *Report) add(o Report) {
	r.Deltas += o.Deltas
	r.Recipients += o.Recipients
	r.Failed += o.Failed
}

type Engine struct {
	policy      Policy
	concurrency int
	metrics     *metrics.Metrics
}

func New(opts Options) *Engine {
	policy := opts.Policy
	if policy == "" {
		policy = PerDeparture
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}
	return &Engine{policy: policy, concurrency: conc, metrics: opts.Metrics}
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Apply broadcasts what a registry mutation changed. It must only be called
// after the mutation returned.
func (e *Engine) Apply(change registry.Change) Report {
	var rep Report
	if change.Empty() {
		return rep
	}
	if change.Superseded && change.Joined != nil {
		return e.BroadcastSupersede(change.Joined.Identity, change.Recipients)
	}
	if len(change.Left) > 0 {
		rep.add(e.BroadcastLeave(change.LeftIdentities(), change.Recipients))
	}
	if change.Joined != nil {
		rep.add(e.BroadcastJoin(change.Joined.Identity, change.Recipients))
	}
	return rep
}

func (e *Engine) BroadcastJoin(id proto.Identity, recipients []registry.Record) Report {
	payload, err := proto.EncodeDeltaMsg([]proto.Identity{id}, nil)
	if err != nil {
		log.Logf("encode join delta failed: %v", err)
		return Report{}
	}
	return e.fanout(payload, 1, 0, []proto.Identity{id}, recipients)
}

// BroadcastSupersede reports a replaced connection as a leave followed by a
// join, as two deltas so neither lists the identity twice.
func (e *Engine) BroadcastSupersede(id proto.Identity, recipients []registry.Record) Report {
	var rep Report
	rep.add(e.BroadcastLeave([]proto.Identity{id}, recipients))
	rep.add(e.BroadcastJoin(id, recipients))
	return rep
}

func (e *Engine) BroadcastLeave(ids []proto.Identity, recipients []registry.Record) Report {
	var rep Report
	if len(ids) == 0 {
		return rep
	}
	if e.policy == Batched {
		payload, err := proto.EncodeDeltaMsg(nil, ids)
		if err != nil {
			log.Logf("encode leave delta failed: %v", err)
			return rep
		}
		return e.fanout(payload, 0, len(ids), ids, recipients)
	}
	for _, id := range ids {
		payload, err := proto.EncodeDeltaMsg(nil, []proto.Identity{id})
		if err != nil {
			log.Logf("encode leave delta failed: %v", err)
			continue
		}
		rep.add(e.fanout(payload, 0, 1, ids, recipients))
	}
	return rep
}

func (e *Engine) fanout(payload []byte, joined, left int, subjects []proto.Identity, recipients []registry.Record) Report {
	start := time.Now()
	excluded := make(map[proto.Identity]struct{}, len(subjects))
	for _, id := range subjects {
		excluded[id] = struct{}{}
	}
	var (
		g      errgroup.Group
		failed atomic.Int64
		sent   int
	)
	g.SetLimit(e.concurrency)
	for _, rec := range recipients {
		if _, skip := excluded[rec.Identity]; skip || rec.Handle == nil {
			continue
		}
		sent++
		g.Go(func() error {
			if err := rec.Handle.Send(payload); err != nil {
				failed.Add(1)
				log.RateLimitedf(rec.Identity.String(), failLogInterval, "delta to %s failed: %v", rec.Identity.Short(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	rep := Report{Deltas: 1, Recipients: sent, Failed: int(failed.Load())}
	if e.metrics != nil {
		e.metrics.ObserveDelta(metrics.DeltaHeader{
			At:         start.UTC(),
			Joined:     joined,
			Left:       left,
			Recipients: rep.Recipients,
			Failed:     rep.Failed,
			Elapsed:    time.Since(start).String(),
		})
	}
	log.Debugf("delta joined=%d left=%d recipients=%d failed=%d in %s", joined, left, rep.Recipients, rep.Failed, time.Since(start))
	return rep
}
