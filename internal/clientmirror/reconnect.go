package clientmirror

import (
	"context"
	"math"
	"time"

	"github.com/clasp-systems/clasp/internal/codec"
)

// supervisorLoop waits for disconnect signals and drives reconnection
// with exponential backoff (§4.9 "Reconnect supervisor"), re-subscribing
// every live subscription once a new connection's handshake completes.
func (c *Client) supervisorLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.reconnectSignal:
			if c.intentionallyClosed.Load() {
				return
			}
			c.reconnectUntilSuccessOrCeiling()
		case <-c.closed:
			return
		}
	}
}

func (c *Client) reconnectUntilSuccessOrCeiling() {
	attempts := 0
	for {
		if c.intentionallyClosed.Load() {
			return
		}

		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempts)
		select {
		case <-time.After(delay):
		case <-c.closed:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReconnectTimeout)
		err := c.dialAndHandshake(ctx)
		cancel()
		if err == nil {
			c.logger.Info().Int("attempts", attempts).Msg("clientmirror: reconnected")
			c.resubscribeAll()
			return
		}

		attempts++
		c.logger.Warn().Err(err).Int("attempt", attempts).Msg("clientmirror: reconnect attempt failed")
		if c.cfg.ReconnectCeiling > 0 && attempts >= c.cfg.ReconnectCeiling {
			c.setLastError(ErrConnectionFailed)
			c.logger.Error().Int("attempts", attempts).Msg("clientmirror: reconnect ceiling reached, giving up")
			return
		}
	}
}

// backoffDelay implements "min(30s, base · 1.5^attempts)".
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	scaled := float64(base) * math.Pow(1.5, float64(attempts))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

// resubscribeAll re-sends SUBSCRIBE for every entry in the subscription
// table after a successful reconnect, per §4.9 "re-send every stored
// subscription".
func (c *Client) resubscribeAll() {
	for _, entry := range c.subs.all() {
		m := codec.Subscribe{SubID: entry.subID, Pattern: entry.rawPattern, Types: entry.types}
		if err := c.send(m, codec.QoSConfirm); err != nil {
			c.logger.Warn().Str("pattern", entry.rawPattern).Err(err).Msg("clientmirror: resubscribe failed")
		}
	}
}
