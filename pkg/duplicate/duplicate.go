// Package duplicate picks, among competing TokenRecords for the same
// ContentId, the one rightful winner — or none. The rule is a total
// order derived from a pair of integers (effective creation time, then
// ledger block time), so the result is deterministic given the input
// set and the trusted-TSA set; it needs nothing beyond the standard
// library.
package duplicate

import "github.com/title-protocol/tee-worker/pkg/types"

// Resolve applies the five-step winner-selection rule:
//
//  1. Drop records where IsBurned is true.
//  2. For each survivor, derive an effective creation time: its TSA
//     timestamp if it has one AND the TSA's issuer key digest is in
//     trustedTSAs (or trustedTSAs is empty, trusting all), otherwise
//     its ledger block time.
//  3. Select the minimum effective creation time.
//  4. Break ties by minimum ledger block time.
//  5. If no records survive step 1, there is no winner.
//
// trustedTSAs holds lowercase hex TSA issuer key digests; a nil or
// empty set trusts every TSA.
func Resolve(records []types.TokenRecord, trustedTSAs map[string]struct{}) (winner types.TokenRecord, ok bool) {
	var survivors []types.TokenRecord
	for _, r := range records {
		if !r.IsBurned {
			survivors = append(survivors, r)
		}
	}
	if len(survivors) == 0 {
		return types.TokenRecord{}, false
	}

	best := survivors[0]
	bestTime := effectiveCreationTime(best, trustedTSAs)
	for _, r := range survivors[1:] {
		t := effectiveCreationTime(r, trustedTSAs)
		switch {
		case t < bestTime:
			best, bestTime = r, t
		case t == bestTime && r.LedgerBlockTime < best.LedgerBlockTime:
			best, bestTime = r, t
		}
	}
	return best, true
}

// effectiveCreationTime applies step 2's TSA-or-ledger-time rule.
func effectiveCreationTime(r types.TokenRecord, trustedTSAs map[string]struct{}) int64 {
	if r.TSATimestamp == nil {
		return r.LedgerBlockTime
	}
	if r.TSAPubkeyHash == nil {
		return r.LedgerBlockTime
	}
	if len(trustedTSAs) > 0 {
		if _, trusted := trustedTSAs[*r.TSAPubkeyHash]; !trusted {
			return r.LedgerBlockTime
		}
	}
	return *r.TSATimestamp
}
