package slotpool

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/readycache"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/selector"
)

func TestSignedBody_MatchesLiteralWireFormat(t *testing.T) {
	secret := []byte("s3cret")
	body := signedBody(DispatchRequest{Type: "cirrusSearchLinksUpdate", MaxTime: 30}, secret)

	unsigned := "async=false&maxtime=30&sigexpiry=2147483647&tasks=placeholder&title=Special:RunJobs&type=" +
		url.QueryEscape("cirrusSearchLinksUpdate")

	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(unsigned))
	wantSig := hex.EncodeToString(mac.Sum(nil))

	require.Equal(t, unsigned+"&signature="+wantSig, string(body))
}

func TestSignedBody_DifferentSecretsDiffer(t *testing.T) {
	req := DispatchRequest{Type: "x", MaxTime: 1}
	a := signedBody(req, []byte("one"))
	b := signedBody(req, []byte("two"))
	require.NotEqual(t, string(a), string(b))
}

type fakeDispatcher struct {
	statuses []JobStatus
	err      error
	delay    time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req DispatchRequest) ([]JobStatus, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.statuses, f.err
}

type fixedTenants map[string]string

func (f fixedTenants) Host(tenant string) (string, bool) {
	h, ok := f[tenant]
	return h, ok
}

func TestRefillSlots_DispatchesUpToFreeSlots(t *testing.T) {
	disp := &fakeDispatcher{statuses: []JobStatus{{ID: "1", Status: "ok"}}, delay: 20 * time.Millisecond}
	pool := New("loop1", 2, disp, fixedTenants{"enwiki": "en.wikipedia.org"}, nil, nil)

	loop := selector.LoopDescriptor{Include: selector.NewSet(selector.Wildcard), HPMaxTimeSec: 30, LPMaxTimeSec: 600}
	ready := readycache.ReadyMap{"cirrusSearchLinksUpdate": {"enwiki": 0}}

	free, filled := pool.RefillSlots(loop, selector.High, ready, 30)
	require.Equal(t, 0, free, "both slots dispatch against the single ready candidate")
	require.Equal(t, 2, filled)
}

func TestRefillSlots_UnknownTenantIsSkipped(t *testing.T) {
	disp := &fakeDispatcher{statuses: []JobStatus{{Status: "ok"}}}
	pool := New("loop1", 1, disp, fixedTenants{}, nil, nil)

	loop := selector.LoopDescriptor{Include: selector.NewSet(selector.Wildcard), HPMaxTimeSec: 30, LPMaxTimeSec: 600}
	ready := readycache.ReadyMap{"cirrusSearchLinksUpdate": {"unknownwiki": 0}}

	free, filled := pool.RefillSlots(loop, selector.High, ready, 30)
	require.Equal(t, 1, free)
	require.Equal(t, 0, filled)
}

func TestReapCompletions_MalformedResponseIsCounted(t *testing.T) {
	disp := &fakeDispatcher{err: ErrMalformedResponse}
	pool := New("loop1", 1, disp, fixedTenants{"enwiki": "en.wikipedia.org"}, nil, nil)

	loop := selector.LoopDescriptor{Include: selector.NewSet(selector.Wildcard), HPMaxTimeSec: 30, LPMaxTimeSec: 600}
	ready := readycache.ReadyMap{"t": {"enwiki": 0}}

	pool.RefillSlots(loop, selector.High, ready, 30)
	require.Eventually(t, func() bool {
		pool.RefillSlots(loop, selector.High, ready, 30)
		return pool.stats.MalformedResp.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate([]byte("abc"), 10))
	require.Equal(t, "ab", truncate([]byte("abcdef"), 2))
}

func TestSignedBody_EscapesSpecialCharacters(t *testing.T) {
	body := signedBody(DispatchRequest{Type: "a b&c", MaxTime: 1}, []byte("s"))
	require.True(t, strings.Contains(string(body), "type=a+b%26c"))
}
