package kvitlach

import (
	"testing"

	"kvitlach-server/card"
)

func hand(names ...int) []card.Card {
	cards := make([]card.Card, 0, len(names))
	for _, n := range names {
		cards = append(cards, card.New(n))
	}
	return cards
}

func TestAllTotals_CrossProductWithMultiplicity(t *testing.T) {
	totals := AllTotals(hand(12, 12))
	if len(totals) != 9 {
		t.Fatalf("expected 9 totals for two multi-valued cards, got %d", len(totals))
	}
	seen := map[int]bool{}
	for _, v := range totals {
		seen[v] = true
	}
	for _, want := range []int{24, 21, 22, 18, 19, 20} {
		if !seen[want] {
			t.Fatalf("expected total %d in %v", want, totals)
		}
	}
}

func TestBestTotal_PrefersHighestUnderTarget(t *testing.T) {
	// 10 + {12,9,10}: totals {22, 19, 20}, best is 20.
	if got := BestTotal(hand(10, 12)); got != 20 {
		t.Fatalf("expected best total 20, got %d", got)
	}
}

func TestBestTotal_BustedHandReturnsMinimum(t *testing.T) {
	if got := BestTotal(hand(10, 10, 5)); got != 25 {
		t.Fatalf("expected busted minimum 25, got %d", got)
	}
}

func TestClassify_ExactTargetWins(t *testing.T) {
	if got := Classify(hand(10, 11)); got != TurnWon {
		t.Fatalf("expected won on 21, got %s", got)
	}
}

func TestClassify_RosierPairWins(t *testing.T) {
	if got := Classify(hand(2, 11)); got != TurnWon {
		t.Fatalf("expected won on rosier pair, got %s", got)
	}
	// Three cards are no longer a pair even if two are rosier.
	if got := Classify(hand(2, 11, 3)); got == TurnWon {
		t.Fatalf("expected rosier pair to require exactly two cards")
	}
}

func TestClassify_AllBustedLoses(t *testing.T) {
	if got := Classify(hand(10, 10, 5)); got != TurnLost {
		t.Fatalf("expected lost on bust, got %s", got)
	}
}

func TestClassify_IgnoredCardsAreExcluded(t *testing.T) {
	cards := hand(5, 6, 11)
	cards[2].EleveroonIgnored = true
	if got := Classify(cards); got != TurnPending {
		t.Fatalf("expected pending with ignored 11, got %s", got)
	}
	if got := BestTotal(cards); got != 11 {
		t.Fatalf("expected best total 11 with ignored 11, got %d", got)
	}
}

func TestAllTotals_EmptyHandYieldsZero(t *testing.T) {
	totals := AllTotals(nil)
	if len(totals) != 1 || totals[0] != 0 {
		t.Fatalf("expected single zero total, got %v", totals)
	}
}
