package route

import (
	"fmt"
	"testing"
)

func TestPickDeterministic(t *testing.T) {
	first := Pick("sub-abc123", "verified", 50, false)
	for i := 0; i < 10; i++ {
		got := Pick("sub-abc123", "verified", 50, false)
		if got != first {
			t.Fatalf("routing not deterministic: got %+v, want %+v", got, first)
		}
	}
}

func TestPickNewAuthorAlwaysLayerB(t *testing.T) {
	d := Pick("sub-xyz", "new", 100, false)
	if d.Route != RouteLayerB {
		t.Fatalf("new author routed to %s, want %s", d.Route, RouteLayerB)
	}
	if d.Reason != "new_author" {
		t.Fatalf("reason = %s, want new_author", d.Reason)
	}
}

func TestPickOperatorOverride(t *testing.T) {
	d := Pick("sub-xyz", "verified", 0, true)
	if d.Route != RoutePeerConsensus {
		t.Fatalf("override routed to %s, want %s", d.Route, RoutePeerConsensus)
	}
	if d.Reason != "operator_override" {
		t.Fatalf("reason = %s, want operator_override", d.Reason)
	}
}

func TestPickRolloutBoundaries(t *testing.T) {
	if d := Pick("anything", "verified", 0, false); d.Route != RouteLayerB {
		t.Fatalf("0%% rollout routed to %s", d.Route)
	}
	if d := Pick("anything", "verified", 100, false); d.Route != RoutePeerConsensus {
		t.Fatalf("100%% rollout routed to %s", d.Route)
	}
}

func TestPickRolloutDistribution(t *testing.T) {
	// With many IDs, roughly half should land on each side at 50%.
	peer := 0
	total := 1000
	for i := 0; i < total; i++ {
		id := "sub-" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+(i/26)%26))
		if Pick(id, "verified", 50, false).Route == RoutePeerConsensus {
			peer++
		}
	}
	if peer < total/4 || peer > 3*total/4 {
		t.Fatalf("50%% rollout sent %d/%d to peer consensus", peer, total)
	}
}

func TestSpotCheckSamplingRate(t *testing.T) {
	// 5% sampling over many ids lands near 5%; wide bounds tolerate hash skew.
	total := 2000
	selected := 0
	for i := 0; i < total; i++ {
		if SampledForSpotCheck(fmt.Sprintf("sub-%04d", i), 5) {
			selected++
		}
	}
	rate := float64(selected) / float64(total)
	if rate < 0.02 || rate > 0.10 {
		t.Fatalf("5%% sampler selected %d/%d (%.2f%%)", selected, total, 100*rate)
	}
}

func TestSpotCheckSampleIndependentOfRouting(t *testing.T) {
	if SampledForSpotCheck("sub-1", 0) {
		t.Fatal("0%% sample selected a submission")
	}
	if !SampledForSpotCheck("sub-1", 100) {
		t.Fatal("100%% sample skipped a submission")
	}
	// Same ID, same pct: selection must be stable.
	first := SampledForSpotCheck("sub-stable", 5)
	for i := 0; i < 10; i++ {
		if SampledForSpotCheck("sub-stable", 5) != first {
			t.Fatal("spot-check sampling not deterministic")
		}
	}
}
