package nat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// scriptedGatherer emits candidate lines with a delay before each one.
type scriptedGatherer struct {
	lines    []string
	delay    time.Duration
	complete bool // close the channel after the last line
	fail     bool
	calls    atomic.Int32
}

func (g *scriptedGatherer) Gather(ctx context.Context) (<-chan string, error) {
	g.calls.Add(1)
	if g.fail {
		return nil, errors.New("no peer connection available")
	}
	out := make(chan string)
	go func() {
		for _, line := range g.lines {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				close(out)
				return
			}
			select {
			case out <- line:
			case <-ctx.Done():
				close(out)
				return
			}
		}
		if g.complete {
			close(out)
			return
		}
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func candidateLine(typ string) string {
	return "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ " + typ + " generation 0"
}
