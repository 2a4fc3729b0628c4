package nat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/relaydrop/metrics"
)

// Gatherer produces local ICE candidate lines from a throwaway negotiation
// context. The returned channel is closed when gathering completes or ctx
// ends; implementations release their resources at that point.
type Gatherer interface {
	Gather(ctx context.Context) (<-chan string, error)
}

// Config tunes a Classifier.
type Config struct {
	// ProbeWindow bounds the whole probe.
	ProbeWindow time.Duration
	// Grace is how long to keep collecting siblings after the first
	// reflexive or relay candidate.
	Grace time.Duration
}

// DefaultConfig returns the standard probe timings.
func DefaultConfig() Config {
	return Config{ProbeWindow: 2 * time.Second, Grace: 500 * time.Millisecond}
}

// Classifier runs NAT probes and remembers one assessment per session.
type Classifier struct {
	gatherer Gatherer
	config   Config
	metrics  *metrics.Collector

	group   singleflight.Group
	mu      sync.Mutex
	results map[string]Assessment
}

// NewClassifier creates a classifier using g for candidate discovery.
func NewClassifier(g Gatherer, config Config, m *metrics.Collector) *Classifier {
	def := DefaultConfig()
	if config.ProbeWindow <= 0 {
		config.ProbeWindow = def.ProbeWindow
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	return &Classifier{
		gatherer: g,
		config:   config,
		metrics:  m,
		results:  make(map[string]Assessment),
	}
}

// ForSession returns the assessment for sessionID, probing at most once no
// matter how many callers ask concurrently.
func (c *Classifier) ForSession(ctx context.Context, sessionID string) Assessment {
	c.mu.Lock()
	if a, ok := c.results[sessionID]; ok {
		c.mu.Unlock()
		return a
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(sessionID, func() (interface{}, error) {
		a := c.Probe(ctx)
		c.mu.Lock()
		c.results[sessionID] = a
		c.mu.Unlock()
		return a, nil
	})
	return v.(Assessment)
}

// Forget drops the remembered assessment for sessionID.
func (c *Classifier) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.results, sessionID)
	c.mu.Unlock()
}

// Probe gathers candidates and classifies them. It stops at the end of the
// probe window, when gathering completes, or one grace period after the
// first reflexive or relay candidate, whichever comes first. A probe that
// cannot start yields ClassUnknown.
func (c *Classifier) Probe(ctx context.Context) Assessment {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeWindow)
	defer cancel()

	lines, err := c.gatherer.Gather(probeCtx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Classifier.Probe",
			"error":    err.Error(),
		}).Warn("NAT probe could not start")
		a := Assessment{Class: ClassUnknown, Score: ClassUnknown.Score()}
		c.metrics.NATClassified(a.Class.String())
		return a
	}

	types, early := collect(probeCtx, lines, c.config.Grace)
	a := Classify(types)

	logrus.WithFields(logrus.Fields{
		"function":   "Classifier.Probe",
		"nat_class":  a.Class.String(),
		"score":      a.Score,
		"candidates": a.Candidates,
		"early_exit": early,
	}).Info("NAT classified")
	c.metrics.NATClassified(a.Class.String())
	return a
}

func collect(ctx context.Context, lines <-chan string, grace time.Duration) ([]CandidateType, bool) {
	var types []CandidateType
	var graceC <-chan time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return types, false
			}
			t := ParseCandidateType(line)
			if t == "" {
				continue
			}
			types = append(types, t)
			if graceC == nil && t.Conclusive() {
				timer := time.NewTimer(grace)
				defer timer.Stop()
				graceC = timer.C
			}
		case <-graceC:
			return types, true
		case <-ctx.Done():
			return types, false
		}
	}
}

// String renders an assessment for logs.
func (a Assessment) String() string {
	return fmt.Sprintf("%s (score %d)", a.Class, a.Score)
}
