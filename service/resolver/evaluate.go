package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/firezone-sub006/base/log"
)

const (
	// probeDomain resolves for as long as the product exists, making it a
	// safe liveness target.
	probeDomain = "firezone.dev."

	probeTimeout = 2 * time.Second

	// maxProbesInFlight caps concurrent probes. Anything beyond the cap is
	// dropped, not queued: a stale probe result is worthless.
	maxProbesInFlight = 20
)

// Prober issues a single DNS probe and reports how long it took.
type Prober interface {
	Probe(ctx context.Context, network string, server netip.AddrPort) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, network string, server netip.AddrPort) (time.Duration, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, network string, server netip.AddrPort) (time.Duration, error) {
	return f(ctx, network, server)
}

// dnsProber probes by asking for the A record of a known-good domain.
type dnsProber struct{}

func (dnsProber) Probe(ctx context.Context, network string, server netip.AddrPort) (time.Duration, error) {
	client := &dns.Client{
		Net:     network,
		Timeout: probeTimeout,
	}

	query := new(dns.Msg)
	query.SetQuestion(probeDomain, dns.TypeA)

	response, rtt, err := client.ExchangeContext(ctx, query, server.String())
	if err != nil {
		return 0, err
	}
	if response.Rcode != dns.RcodeSuccess {
		return 0, fmt.Errorf("probe of %s answered with rcode %s", server, dns.RcodeToString[response.Rcode])
	}
	return rtt, nil
}

// Evaluator ranks candidate nameservers by probe round-trip time. Probes
// run on their own goroutines, bounded by maxProbesInFlight; everything
// else stays on the caller's goroutine.
type Evaluator struct {
	prober Prober

	mu         sync.Mutex
	inflight   int
	generation uint64
	results    map[time.Duration]netip.AddrPort
	wg         sync.WaitGroup
}

// NewEvaluator returns an evaluator probing with real UDP and TCP queries.
func NewEvaluator() *Evaluator {
	return NewEvaluatorWithProber(dnsProber{})
}

// NewEvaluatorWithProber returns an evaluator with a custom prober.
func NewEvaluatorWithProber(prober Prober) *Evaluator {
	return &Evaluator{
		prober:  prober,
		results: make(map[time.Duration]netip.AddrPort),
	}
}

// Evaluate probes every candidate once over UDP and once over TCP. Probes
// beyond the in-flight cap are dropped.
func (e *Evaluator) Evaluate(ctx context.Context, servers []netip.AddrPort) {
	for _, server := range servers {
		for _, network := range []string{"udp", "tcp"} {
			e.launch(ctx, network, server)
		}
	}
}

func (e *Evaluator) launch(ctx context.Context, network string, server netip.AddrPort) {
	e.mu.Lock()
	if e.inflight >= maxProbesInFlight {
		e.mu.Unlock()
		probesDropped.Inc()
		log.Tracef("resolver: dropping %s probe of %s, %d probes already in flight", network, server, maxProbesInFlight)
		return
	}
	e.inflight++
	generation := e.generation
	e.mu.Unlock()

	probesSent.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		rtt, err := e.prober.Probe(ctx, network, server)

		e.mu.Lock()
		defer e.mu.Unlock()
		e.inflight--

		if generation != e.generation {
			// The evaluation round was reset while this probe was in
			// flight, its target may no longer be a valid upstream.
			log.Tracef("resolver: discarding stale %s probe of %s", network, server)
			return
		}

		if err != nil {
			probesFailed.Inc()
			log.Debugf("resolver: %s probe of %s failed: %s", network, server, err)
			return
		}
		probesSucceeded.Inc()
		log.Tracef("resolver: %s probe of %s took %s", network, server, rtt)

		// Last write wins on equal round-trip times.
		e.results[rtt] = server
	}()
}

// Wait blocks until all launched probes completed or ctx is done.
func (e *Evaluator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fastest returns the server with the lowest recorded round-trip time.
func (e *Evaluator) Fastest() (netip.AddrPort, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		best    time.Duration
		server  netip.AddrPort
		haveOne bool
	)
	for rtt, s := range e.results {
		if !haveOne || rtt < best {
			best = rtt
			server = s
			haveOne = true
		}
	}
	return server, haveOne
}

// Reset discards all recorded results. In-flight probes belong to the old
// evaluation round and are discarded when they finish.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	e.results = make(map[time.Duration]netip.AddrPort)
}
