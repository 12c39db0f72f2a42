package kvitlach

import "kvitlach-server/card"

// Target is the total a Kvitlach hand aims for.
const Target = 21

// AllTotals returns every sum from the cross-product of the per-card value
// sets, with multiplicity. Cards marked eleveroonIgnored do not count.
// An empty hand yields the single total 0.
func AllTotals(cards []card.Card) []int {
	totals := []int{0}
	for _, c := range cards {
		if c.EleveroonIgnored {
			continue
		}
		next := make([]int, 0, len(totals)*len(c.Values))
		for _, t := range totals {
			for _, v := range c.Values {
				next = append(next, t+v)
			}
		}
		totals = next
	}
	return totals
}

// BestTotal returns the maximum total not exceeding Target, or the minimum
// total when every combination busts.
func BestTotal(cards []card.Card) int {
	totals := AllTotals(cards)
	best := -1
	min := totals[0]
	for _, t := range totals {
		if t < min {
			min = t
		}
		if t <= Target && t > best {
			best = t
		}
	}
	if best >= 0 {
		return best
	}
	return min
}

// Classify scores a hand: TurnWon on any exact 21 or on a rosier pair as
// the first two cards dealt, TurnLost when every total busts, TurnPending
// otherwise. Ignored cards are excluded throughout.
func Classify(cards []card.Card) TurnState {
	if isRosierPair(cards) {
		return TurnWon
	}
	busted := true
	for _, t := range AllTotals(cards) {
		if t == Target {
			return TurnWon
		}
		if t <= Target {
			busted = false
		}
	}
	if len(activeCards(cards)) == 0 {
		return TurnPending
	}
	if busted {
		return TurnLost
	}
	return TurnPending
}

func activeCards(cards []card.Card) []card.Card {
	out := make([]card.Card, 0, len(cards))
	for _, c := range cards {
		if !c.EleveroonIgnored {
			out = append(out, c)
		}
	}
	return out
}

func isRosierPair(cards []card.Card) bool {
	active := activeCards(cards)
	return len(active) == 2 &&
		active[0].Kind == card.KindRosier &&
		active[1].Kind == card.KindRosier
}
