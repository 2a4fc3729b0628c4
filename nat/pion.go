package nat

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// PionGatherer gathers candidates by creating an offer on a throwaway
// PeerConnection with a single data channel.
type PionGatherer struct {
	ICEServers []webrtc.ICEServer
}

// Gather implements Gatherer.
func (g *PionGatherer) Gather(ctx context.Context) (<-chan string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: g.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create probe peer connection: %w", err)
	}

	out := make(chan string, 32)
	var (
		mu     sync.Mutex
		closed bool
	)
	finish := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(out)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			finish()
			return
		}
		line := c.ToJSON().Candidate
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- line:
		default:
		}
	})

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		pc.Close()
		return nil, fmt.Errorf("create probe data channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create probe offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set probe description: %w", err)
	}

	go func() {
		<-ctx.Done()
		finish()
		if err := pc.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PionGatherer.Gather",
				"error":    err.Error(),
			}).Debug("Closing probe peer connection failed")
		}
	}()
	return out, nil
}
