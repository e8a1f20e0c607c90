package rtcManager

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/stun/v3"
)

// ProbeSTUN sends one binding request to a stun: URI and returns the
// reflexive address the server saw.
func ProbeSTUN(ctx context.Context, uri string) (string, error) {
	u, err := stun.ParseURI(uri)
	if err != nil {
		return "", fmt.Errorf("invalid STUN uri %q: %w", uri, err)
	}
	if u.Scheme != stun.SchemeTypeSTUN {
		return "", fmt.Errorf("%q is not a stun: uri", uri)
	}

	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	c, err := stun.Dial("udp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to STUN server %s: %w", addr, err)
	}

	type result struct {
		addr string
		err  error
	}
	results := make(chan result, 1)

	go func() {
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		var res result
		if err := c.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xorAddr stun.XORMappedAddress
			if err := xorAddr.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("failed to get address from STUN response: %w", err)
				return
			}
			res.addr = xorAddr.String()
		}); err != nil {
			res.err = err
		}
		results <- res
	}()

	select {
	case <-ctx.Done():
		_ = c.Close()
		return "", ctx.Err()
	case res := <-results:
		_ = c.Close()
		return res.addr, res.err
	}
}
