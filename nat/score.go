package nat

// CombinedScore estimates direct-connection success for a session from both
// sides' scores. The weaker side dominates; two excellent sides earn a bonus
// capped at 95.
func CombinedScore(local, remote int) int {
	if local >= 90 && remote >= 90 {
		avg := (local + remote) / 2
		if avg > 95 {
			return 95
		}
		return avg
	}
	if local < remote {
		return local
	}
	return remote
}

// Advice returns a human-readable recommendation for a combined score.
func Advice(score int) string {
	switch {
	case score >= 90:
		return "excellent network conditions: direct transfer should connect quickly"
	case score >= 75:
		return "good network conditions: direct transfer will most likely connect"
	case score >= 50:
		return "fair network conditions: direct transfer may take a while or fall back to the relay"
	default:
		return "restrictive network detected: the relay is recommended"
	}
}

// PreferDirect reports whether a combined score is high enough to attempt a
// direct channel before falling back to the relay.
func PreferDirect(score, threshold int) bool {
	return score >= threshold
}
