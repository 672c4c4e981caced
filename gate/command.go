package gate

import (
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/helpers"
	"github.com/fleetgate/fleetgate/wire"
)

type QueuedCommand struct {
	Type       wire.CommandType
	Params     wire.Params
	EnqueuedAt time.Time
	Priority   int
}

// SendResult reports the outcome of one dispatch: written to the live
// transport now, or parked for replay on reconnect.
type SendResult struct {
	Sent   bool `json:"sent"`
	Queued bool `json:"queued"`
}

// SendCommand resolves and writes the command to the connected device, or
// queues it for the next login. Unknown command types fail immediately
// and are never queued.
func (g *Gateway) SendCommand(imei string, t wire.CommandType, params wire.Params, priority int) (SendResult, error) {
	buf, err := wire.ResolveCommand(t, params)
	if err != nil {
		return SendResult{}, errors.Annotatef(err, "command imei=%s", imei)
	}

	if conn, ok := g.FindByIdentity(imei); ok {
		if err = conn.Send(buf); err != nil {
			return SendResult{}, errors.Annotatef(err, "command send imei=%s type=%s", imei, t)
		}
		g.log.Debugf("command sent imei=%s type=%s", imei, t)
		return SendResult{Sent: true}, nil
	}

	helpers.WithLock(&g.queue, func() {
		g.queue.m[imei] = append(g.queue.m[imei], QueuedCommand{
			Type:       t,
			Params:     params,
			EnqueuedAt: time.Now(),
			Priority:   priority,
		})
	})
	g.log.Debugf("command queued imei=%s type=%s priority=%d", imei, t, priority)
	return SendResult{Queued: true}, nil
}

func (g *Gateway) QueuedCount(imei string) int {
	g.queue.Lock()
	defer g.queue.Unlock()
	return len(g.queue.m[imei])
}

// ReplayQueued drains the identity's queue on reconnect: descending
// priority, enqueue order within equal priority. Entries whose buffer
// resolution fails are logged and skipped. The queue is cleared
// unconditionally after one pass regardless of individual send outcomes.
func (g *Gateway) ReplayQueued(imei string) {
	var pending []QueuedCommand
	helpers.WithLock(&g.queue, func() {
		pending = g.queue.m[imei]
		delete(g.queue.m, imei)
	})
	if len(pending) == 0 {
		return
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	conn, ok := g.FindByIdentity(imei)
	if !ok {
		g.log.Infof("replay imei=%s disconnected before drain, %d commands dropped", imei, len(pending))
		return
	}
	for _, qc := range pending {
		buf, err := wire.ResolveCommand(qc.Type, qc.Params)
		if err != nil {
			g.log.Errorf("replay resolve imei=%s type=%s err=%v", imei, qc.Type, err)
			continue
		}
		if err = conn.Send(buf); err != nil {
			g.log.Errorf("replay send imei=%s type=%s err=%v", imei, qc.Type, err)
			continue
		}
		g.log.Debugf("replay sent imei=%s type=%s", imei, qc.Type)
	}
}

// sweepLoop purges queued commands older than QueueExpiry. The original
// caller already got {queued: true} and is not notified.
func (g *Gateway) sweepLoop() {
	defer g.alive.Done()
	t := time.NewTicker(g.config.QueueSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-g.alive.StopChan():
			return
		case <-t.C:
			g.sweepExpired(time.Now())
		}
	}
}

func (g *Gateway) sweepExpired(now time.Time) {
	cutoff := now.Add(-g.config.QueueExpiry)
	expired := 0
	helpers.WithLock(&g.queue, func() {
		for imei, bucket := range g.queue.m {
			keep := bucket[:0]
			for _, qc := range bucket {
				if qc.EnqueuedAt.After(cutoff) {
					keep = append(keep, qc)
				} else {
					expired++
				}
			}
			if len(keep) == 0 {
				delete(g.queue.m, imei)
			} else {
				g.queue.m[imei] = keep
			}
		}
	})
	if expired > 0 {
		g.log.Infof("queue sweep expired=%d", expired)
	}
}
