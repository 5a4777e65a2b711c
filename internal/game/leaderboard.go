package game

import (
	"sort"
)

// Project derives the ranked leaderboard from the roster. It is a pure
// function of its input, recomputed on every broadcast, and never cached:
// cumulative score descending, ties broken by earliest join (stable and
// deterministic, never by submission recency).
func Project(participants []*Participant) []LeaderboardEntry {
	sorted := make([]*Participant, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].joinSeq < sorted[j].joinSeq
	})

	entries := make([]LeaderboardEntry, len(sorted))
	for i, p := range sorted {
		rank := i + 1
		if i > 0 && p.Score == sorted[i-1].Score {
			rank = entries[i-1].Rank
		}
		entries[i] = LeaderboardEntry{
			ParticipantID: p.ID,
			Nickname:      p.Nickname,
			Score:         p.Score,
			Rank:          rank,
		}
	}
	return entries
}
