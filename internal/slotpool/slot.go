// Package slotpool implements the per-loop bounded concurrency primitive
// over outbound HTTP dispatch described in spec §4.7: a fixed number of
// slots, each driving at most one in-flight POST, reaped non-blockingly
// and refilled from the queue selector.
package slotpool

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // spec §6 mandates HMAC-SHA1 as the wire signature algorithm
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/readycache"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/stats"
)

// sigExpiry is a fixed, effectively-never-expiring signature expiry per
// spec §6's literal HTTP dispatch format.
const sigExpiry = 2147483647

// JobStatus is one element of the well-formed response body a dispatch
// target returns: a list of per-job status objects.
type JobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// slotState mirrors spec §3's per-(loop,index) slot state: either idle,
// or holding an in-flight request tagged with (type, tenant, start-time).
type slotState struct {
	busy      bool
	candidate queue.Identity
	startedAt time.Time
}

// completion is what a dispatched request reports back over the
// completion channel when it finishes, standing in for polling a
// non-blocking multi-handle (spec §9).
type completion struct {
	slot      int
	candidate queue.Identity
	elapsed   time.Duration
	statuses  []JobStatus
	err       error
	malformed bool
}

// Dispatcher builds and sends the signed HTTP POST for one candidate.
// Kept as an interface so tests can substitute a fake transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) ([]JobStatus, error)
}

// DispatchRequest bundles everything the signed POST body and headers
// need.
type DispatchRequest struct {
	Type    string
	Tenant  string
	Host    string
	MaxTime int64
}

// httpDispatcher is the production Dispatcher, built around net/http.
type httpDispatcher struct {
	url    string
	secret []byte
	client *http.Client
}

// NewHTTPDispatcher builds a Dispatcher that POSTs to targetURL, signing
// each body with secret. connectTimeout governs only the TCP handshake;
// each call's total timeout is derived from its own maxtime (spec §4.7:
// "total = maxtime + 5s").
func NewHTTPDispatcher(targetURL string, secret []byte, connectTimeout time.Duration) Dispatcher {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
		// Go's net package disables Nagle's algorithm (TCP_NODELAY) by
		// default for TCP connections, satisfying the "no-delay
		// enabled" requirement without extra configuration.
	}
	return &httpDispatcher{
		url:    targetURL,
		secret: secret,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 64,
			},
		},
	}
}

func (d *httpDispatcher) Dispatch(ctx context.Context, req DispatchRequest) ([]JobStatus, error) {
	body := signedBody(req, d.secret)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slotpool: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Host = req.Host

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("slotpool: dispatch: %w", err)
	}
	defer resp.Body.Close()

	const maxLoggedBody = 4096
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("slotpool: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("slotpool: endpoint status %d: %s", resp.StatusCode, truncate(raw, maxLoggedBody))
	}

	var statuses []JobStatus
	if err := json.Unmarshal(raw, &statuses); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, truncate(raw, maxLoggedBody))
	}
	return statuses, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// signedBody builds the literal wire body from spec §6:
//
//	async=false&maxtime=<int>&sigexpiry=2147483647&tasks=placeholder&title=Special:RunJobs&type=<type>&signature=<hex>
//
// where signature = HMAC-SHA1(body-without-signature, secret).
func signedBody(req DispatchRequest, secret []byte) []byte {
	unsigned := fmt.Sprintf(
		"async=false&maxtime=%d&sigexpiry=%d&tasks=placeholder&title=Special:RunJobs&type=%s",
		req.MaxTime, sigExpiry, url.QueryEscape(req.Type),
	)
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(unsigned))
	sig := hex.EncodeToString(mac.Sum(nil))

	var b strings.Builder
	b.WriteString(unsigned)
	b.WriteString("&signature=")
	b.WriteString(sig)
	return []byte(b.String())
}

// ErrMalformedResponse is returned by a Dispatcher when the response body
// is not a well-formed list of per-job status objects.
var ErrMalformedResponse = fmt.Errorf("slotpool: malformed response")

// KnownTenants narrows the configured wikis map down to a membership
// test and host lookup, per spec §4.7 step 2 ("a known tenant (tenant
// appears in configuration)").
type KnownTenants interface {
	Host(tenant string) (string, bool)
}

// Pool is the per-loop slot pool.
type Pool struct {
	loopID      string
	slots       []slotState
	dispatcher  Dispatcher
	tenants     KnownTenants
	logger      logging.StructuredLogger
	stats       *stats.Counters
	completions chan completion
	cancels     []context.CancelFunc
}

// New builds a Pool with one slot per loop.Runners.
func New(loopID string, runners uint, dispatcher Dispatcher, tenants KnownTenants, logger logging.StructuredLogger, st *stats.Counters) *Pool {
	if logger == nil {
		logger = logging.Noop()
	}
	if st == nil {
		st = stats.New()
	}
	return &Pool{
		loopID:      loopID,
		slots:       make([]slotState, runners),
		dispatcher:  dispatcher,
		tenants:     tenants,
		logger:      logger,
		stats:       st,
		completions: make(chan completion, runners),
		cancels:     make([]context.CancelFunc, runners),
	}
}

// RefillSlots reaps whatever completions are available without blocking,
// then dispatches up to the resulting free-slot count. ready is mutated
// in place when the early-finish heuristic fires (spec §4.7 step 1: an
// emptied queue is removed from the local ready-map view). loop and
// priority select the next candidate; hpMaxTimeSec drives the unconditional
// early-finish comparison (spec §9 Open Question, mirrored as specified:
// compared against hpMaxTime/2 regardless of the dispatching slot's own
// priority).
func (p *Pool) RefillSlots(loop selector.LoopDescriptor, priority selector.Priority, ready readycache.ReadyMap, hpMaxTimeSec int64) (free int, newlyFilled int) {
	p.reapCompletions(ready, hpMaxTimeSec)

	for i := range p.slots {
		if !p.slots[i].busy {
			free++
		}
	}

	for i := range p.slots {
		if p.slots[i].busy {
			continue
		}
		cand, ok := selector.Select(loop, priority, ready, selector.DefaultRand)
		if !ok {
			break
		}
		host, known := p.tenants.Host(cand.Tenant)
		if !known {
			break
		}

		maxTime := loop.HPMaxTimeSec
		if priority == selector.High {
			maxTime = loop.LPMaxTimeSec
		}

		p.dispatch(i, cand.Identity, host, maxTime)
		free--
		newlyFilled++
	}

	return free, newlyFilled
}

func (p *Pool) reapCompletions(ready readycache.ReadyMap, hpMaxTimeSec int64) {
	for {
		select {
		case c := <-p.completions:
			p.slots[c.slot] = slotState{}
			switch {
			case c.err != nil:
				p.stats.Errors.Add(1)
				p.logger.Warn("slotpool.reap.error", logging.ErrAttr(c.err), "loop", p.loopID)
			case c.malformed:
				p.stats.MalformedResp.Add(1)
				p.logger.Warn("slotpool.reap.malformed", "loop", p.loopID)
			default:
				var ok, failed int
				for _, s := range c.statuses {
					if s.Status == "ok" {
						ok++
					} else {
						failed++
					}
				}
				p.stats.OK.Add(uint64(ok))
				p.stats.Failed.Add(uint64(failed))

				// Open question (spec §9): this compares against
				// hpMaxTime/2 unconditionally, not against the
				// dispatching slot's own priority's max-time. Mirrored
				// as specified.
				if c.elapsed < time.Duration(hpMaxTimeSec)*time.Second/2 {
					if byTenant, ok := ready[c.candidate.Type]; ok {
						delete(byTenant, c.candidate.Tenant)
					}
				}
			}
		default:
			return
		}
	}
}

func (p *Pool) dispatch(slot int, cand queue.Identity, host string, maxTimeSec int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(maxTimeSec)*time.Second+5*time.Second)
	p.cancels[slot] = cancel
	p.slots[slot] = slotState{busy: true, candidate: cand, startedAt: time.Now()}

	go func() {
		start := time.Now()
		statuses, err := p.dispatcher.Dispatch(ctx, DispatchRequest{
			Type:    cand.Type,
			Tenant:  cand.Tenant,
			Host:    host,
			MaxTime: maxTimeSec,
		})
		cancel()

		c := completion{slot: slot, candidate: cand, elapsed: time.Since(start)}
		switch {
		case errors.Is(err, ErrMalformedResponse):
			c.malformed = true
		case err != nil:
			c.err = err
		default:
			c.statuses = statuses
		}
		p.completions <- c
	}()
}

// Terminate aborts every in-flight request and releases resources. It is
// invoked on SIGHUP/SIGINT/SIGTERM per spec §4.7.
func (p *Pool) Terminate() {
	for _, cancel := range p.cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// occupied reports how many slots are currently busy.
func (p *Pool) occupied() int {
	n := 0
	for _, s := range p.slots {
		if s.busy {
			n++
		}
	}
	return n
}
