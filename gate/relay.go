package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/wire"
)

var (
	// ErrOffline: relay toggling requires a live connection. Unlike
	// SendCommand there is no queueing; a relay cutting fuel half a day
	// after the operator asked is worse than an error.
	ErrOffline        = fmt.Errorf("device offline")
	ErrConfirmTimeout = fmt.Errorf("relay confirmation timeout")
)

// TurnRelay sends the toggle command and waits for the device to report
// the desired relay state in its status stream: poll the latest persisted
// sample every RelayPollInterval until match or RelayConfirmTimeout.
// On match a synthetic confirmation sample is persisted. Cancelling ctx
// stops the poll loop only, never the already-sent command.
func (g *Gateway) TurnRelay(ctx context.Context, imei string, on bool) error {
	conn, ok := g.FindByIdentity(imei)
	if !ok {
		return errors.Annotatef(ErrOffline, "relay imei=%s", imei)
	}

	cmdType := wire.CommandRelayOff
	if on {
		cmdType = wire.CommandRelayOn
	}
	buf, err := wire.ResolveCommand(cmdType, nil)
	if err != nil {
		return errors.Trace(err) // unreachable for the fixed relay commands
	}
	if err = conn.Send(buf); err != nil {
		return errors.Annotatef(err, "relay send imei=%s", imei)
	}
	g.SetRelayFlag(imei, on)
	g.log.Debugf("relay toggle sent imei=%s on=%t", imei, on)

	deadline := time.NewTimer(g.config.RelayConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(g.config.RelayPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			g.log.Infof("relay confirm timeout imei=%s on=%t", imei, on)
			return errors.Annotatef(ErrConfirmTimeout, "imei=%s", imei)

		case <-poll.C:
			latest, err := g.status.LatestStatus(ctx, imei)
			if err != nil {
				g.log.Errorf("relay poll imei=%s err=%v", imei, err)
				continue
			}
			if latest == nil || latest.Relay != on {
				continue
			}
			confirm := *latest
			confirm.ID = 0
			confirm.At = time.Now()
			if err = g.status.SaveStatus(ctx, &confirm); err != nil {
				g.log.Errorf("relay confirm save imei=%s err=%v", imei, err)
			}
			g.log.Infof("relay confirmed imei=%s on=%t", imei, on)
			return nil
		}
	}
}
