package transfer

import (
	"sort"

	"swarmshare/pkg/types"
)

// rarityOrder returns the indices in wanted ordered rarest first. Rarity is
// the number of offers covering a chunk; ties break toward the lower index
// so two sessions with the same view produce the same plan. Chunks nobody
// offers sort last and are skipped at assignment time.
func rarityOrder(wanted types.ChunkSet, offers []types.ChunkSet) []int {
	indices := wanted.Indices()
	counts := make(map[int]int, len(indices))
	for _, offer := range offers {
		for _, index := range indices {
			if offer.Has(index) {
				counts[index]++
			}
		}
	}

	sort.SliceStable(indices, func(i, j int) bool {
		ri, rj := counts[indices[i]], counts[indices[j]]
		if ri == 0 {
			ri = int(^uint(0) >> 1)
		}
		if rj == 0 {
			rj = int(^uint(0) >> 1)
		}
		if ri != rj {
			return ri < rj
		}
		return indices[i] < indices[j]
	})
	return indices
}

// pickIdlePeer chooses the idle peer holding index, breaking ties by device
// key so assignment stays deterministic.
func pickIdlePeer(index int, idle []*peer) *peer {
	var best *peer
	for _, p := range idle {
		if !p.chunks.Has(index) {
			continue
		}
		if best == nil || p.key < best.key {
			best = p
		}
	}
	return best
}

// nextAssignment picks the rarest unassigned chunk an idle peer can serve.
// Returns (-1, nil) when no idle peer holds anything still needed.
func nextAssignment(needed, assigned types.ChunkSet, alive, idle []*peer) (int, *peer) {
	offers := make([]types.ChunkSet, len(alive))
	for i, p := range alive {
		offers[i] = p.chunks
	}
	for _, index := range rarityOrder(needed, offers) {
		if assigned.Has(index) {
			continue
		}
		if p := pickIdlePeer(index, idle); p != nil {
			return index, p
		}
	}
	return -1, nil
}
