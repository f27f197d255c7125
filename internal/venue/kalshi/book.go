package kalshi

import "sort"

// localBook is the reconstructed per-contract state: separate YES and NO
// bid ladders in integer cents, plus the last applied sequence number.
// Mutated only by the owning connector's message-handling path.
type localBook struct {
	ticker  string
	yes     map[int64]int64 // price cents -> quantity
	no      map[int64]int64
	lastSeq int64
}

func newLocalBook(ticker string) *localBook {
	return &localBook{
		ticker: ticker,
		yes:    make(map[int64]int64),
		no:     make(map[int64]int64),
	}
}

// applySnapshot replaces all ladder state and resets the sequence cursor.
func (lb *localBook) applySnapshot(yes, no [][2]int64, seq int64) {
	lb.yes = make(map[int64]int64, len(yes))
	for _, lvl := range yes {
		if lvl[1] > 0 {
			lb.yes[lvl[0]] = lvl[1]
		}
	}
	lb.no = make(map[int64]int64, len(no))
	for _, lvl := range no {
		if lvl[1] > 0 {
			lb.no[lvl[0]] = lvl[1]
		}
	}
	lb.lastSeq = seq
}

// applyDelta mutates one level by a signed quantity change. A resulting
// quantity <= 0 removes the level. Returns false when the delta's sequence
// number is not lastSeq+1, in which case the caller must discard this state
// and resubscribe for a fresh snapshot.
func (lb *localBook) applyDelta(seq, price, delta int64, side string) bool {
	if seq != lb.lastSeq+1 {
		return false
	}
	ladder := lb.yes
	if side == "no" {
		ladder = lb.no
	}
	next := ladder[price] + delta
	if next <= 0 {
		delete(ladder, price)
	} else {
		ladder[price] = next
	}
	lb.lastSeq = seq
	return true
}

// levels returns the ladders as sorted [price, quantity] slices for
// normalization, best (highest) bid first on each side.
func (lb *localBook) levels() (yes, no [][2]int64) {
	return ladderLevels(lb.yes), ladderLevels(lb.no)
}

func ladderLevels(ladder map[int64]int64) [][2]int64 {
	out := make([][2]int64, 0, len(ladder))
	for price, qty := range ladder {
		out = append(out, [2]int64{price, qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] > out[j][0] })
	return out
}
