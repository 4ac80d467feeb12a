package track

import (
	"tools.zach/dev/guildwatch/internal/discord"
	"tools.zach/dev/guildwatch/internal/store"
)

// ///////////////////////////////////////////////
// Outlier Filter
// ///////////////////////////////////////////////
//
// Two policies coexist. The verifier policy learns one permanent app ID per
// game label and is used when screening individual game sessions. The
// majority policy is a per-evaluation vote over live claimants and is used
// when counting party members; it never brands an ID as fake permanently.

// Majority keeps only the claims whose app ID group is largest, breaking
// ties in favor of the group seen first in the input order. Claims in
// smaller groups are outliers for this evaluation only.
func Majority(claims []discord.Claim) []discord.Claim {
	if len(claims) <= 1 {
		return claims
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, c := range claims {
		counts[c.AppID]++
		if _, ok := firstSeen[c.AppID]; !ok {
			firstSeen[c.AppID] = i
		}
	}

	winner := ""
	winnerSize, winnerFirst := 0, len(claims)
	for id, n := range counts {
		if n > winnerSize || (n == winnerSize && firstSeen[id] < winnerFirst) {
			winner, winnerSize, winnerFirst = id, n, firstSeen[id]
		}
	}

	out := make([]discord.Claim, 0, winnerSize)
	for _, c := range claims {
		if c.AppID == winner {
			out = append(out, c)
		}
	}
	return out
}

// Verifier screens individual activity claims against the persisted
// per-label app ID verification table. Before a label is verified, claims
// are provisionally accepted while their IDs accumulate sightings; after
// verification, only the verified ID passes.
type Verifier struct {
	store *store.Store
}

// NewVerifier creates a verifier over the persisted verification table.
func NewVerifier(st *store.Store) *Verifier {
	return &Verifier{store: st}
}

// Admit tallies the sighting and reports whether the claim passes. An empty
// app ID is the caller's concern (the legitimacy screen rejects those
// before reaching the verifier).
func (v *Verifier) Admit(label, appID string) bool {
	v.store.ObserveAppClaim(label, appID)
	verified, ok := v.store.VerifiedAppID(label)
	if !ok {
		return true
	}
	return appID == verified
}
