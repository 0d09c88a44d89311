// CLAUDE:SUMMARY Deterministic routing — hash-bucketed rollout between classifier fast path and peer consensus, plus spot-check sampling
package route

import "hash/fnv"

// Routes a submission can take.
const (
	RouteLayerB        = "layer_b"
	RoutePeerConsensus = "peer_consensus"
)

// Decision is a routing outcome with the reason it was chosen.
type Decision struct {
	Route  string
	Reason string
}

// bucket maps an ID to a stable 0-99 bucket. FNV-1a keeps the mapping
// deterministic across restarts and instances without any stored state.
func bucket(id string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum64() % 100)
}

// Pick decides where a submission goes. Authors in the "new" trust tier
// always get the classifier fast path regardless of rollout. The force flag
// (operator override) sends everything else to peer consensus. Otherwise the
// submission's hash bucket is compared against the rollout percentage.
func Pick(submissionID, authorTier string, rolloutPct int, forcePeer bool) Decision {
	if authorTier == "new" {
		return Decision{Route: RouteLayerB, Reason: "new_author"}
	}
	if forcePeer {
		return Decision{Route: RoutePeerConsensus, Reason: "operator_override"}
	}
	if rolloutPct <= 0 {
		return Decision{Route: RouteLayerB, Reason: "rollout_disabled"}
	}
	if rolloutPct >= 100 || bucket(submissionID) < rolloutPct {
		return Decision{Route: RoutePeerConsensus, Reason: "rollout_bucket"}
	}
	return Decision{Route: RouteLayerB, Reason: "rollout_bucket"}
}

// SampledForSpotCheck reports whether a peer-resolved submission is selected
// for a classifier audit. The salt prefix keeps the sample independent of the
// routing buckets, so spot-check selection does not correlate with rollout.
func SampledForSpotCheck(submissionID string, samplePct int) bool {
	if samplePct <= 0 {
		return false
	}
	if samplePct >= 100 {
		return true
	}
	return bucket("spotcheck:"+submissionID) < samplePct
}
