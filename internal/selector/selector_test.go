package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/readycache"
)

type fixedRand struct{ n int }

func (f fixedRand) Intn(int) int { return f.n }

// TestSelect_WildcardExpansion is spec §8's literal scenario S5.
func TestSelect_WildcardExpansion(t *testing.T) {
	loop := LoopDescriptor{
		Include:     NewSet(Wildcard),
		Exclude:     NewSet("z"),
		LowPriority: NewSet("y"),
	}
	ready := readycache.ReadyMap{
		"a": {"t1": 0},
		"y": {"t1": 0},
		"z": {"t1": 0},
	}

	cand, ok := Select(loop, High, ready, fixedRand{n: 0})
	require.True(t, ok)
	require.Equal(t, queue.Identity{Type: "a", Tenant: "t1"}, cand.Identity)
}

func TestSelect_LowPriorityOnlyEligibleAtLowPriority(t *testing.T) {
	loop := LoopDescriptor{
		Include:     NewSet("a"),
		LowPriority: NewSet("a"),
	}
	ready := readycache.ReadyMap{"a": {"t1": 0}}

	_, ok := Select(loop, High, ready, fixedRand{n: 0})
	require.False(t, ok, "low-priority types must be excluded while high priority")

	cand, ok := Select(loop, Low, ready, fixedRand{n: 0})
	require.True(t, ok)
	require.Equal(t, "a", cand.Type)
}

func TestSelect_NoEligibleCandidates(t *testing.T) {
	loop := LoopDescriptor{Include: NewSet("a"), Exclude: NewSet("a")}
	_, ok := Select(loop, High, readycache.ReadyMap{"a": {"t1": 0}}, fixedRand{n: 0})
	require.False(t, ok)
}

// TestSelect_Idempotence is spec §8 property 2: identical inputs with a
// fixed seed/Rand must yield the identical candidate, repeatedly — map
// iteration order must never leak into the result.
func TestSelect_Idempotence(t *testing.T) {
	loop := LoopDescriptor{Include: NewSet(Wildcard)}
	ready := readycache.ReadyMap{
		"alpha": {"t1": 0, "t2": 0, "t3": 0},
		"beta":  {"t1": 0, "t2": 0},
		"gamma": {"t9": 0},
	}

	var first Candidate
	for i := 0; i < 50; i++ {
		cand, ok := Select(loop, High, ready, fixedRand{n: 3})
		require.True(t, ok)
		if i == 0 {
			first = cand
		} else {
			require.Equal(t, first.Identity, cand.Identity, "iteration %d diverged", i)
		}
	}
}
