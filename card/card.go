package card

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
)

// Kind marks special card variants.
type Kind string

// KindRosier marks the two "framed" cards of the Kvitlach deck (the 2 and
// the 11). Two rosiers as the first two cards dealt form an automatic 21.
const KindRosier Kind = "rosier"

// Card is one card of the Kvitlach deck. Values holds every legal point
// value for the card; only the "12" is multi-valued. EleveroonIgnored is set
// on a card inside a turn when the eleveroon rule discards it from counting.
type Card struct {
	Name             string `json:"name"`
	Values           []int  `json:"values"`
	Kind             Kind   `json:"kind,omitempty"`
	EleveroonIgnored bool   `json:"eleveroonIgnored,omitempty"`
}

// ShoeSize is the number of cards in a single shoe: four copies of each of
// the twelve cards.
const ShoeSize = 48

// MaxDeckCount caps the number of shoes in one round.
const MaxDeckCount = 16

// New returns the card with the given face number (1..12).
func New(n int) Card {
	c := Card{
		Name:   fmt.Sprintf("%d", n),
		Values: []int{n},
	}
	switch n {
	case 12:
		c.Values = []int{12, 9, 10}
	case 2, 11:
		c.Kind = KindRosier
	}
	return c
}

// Deck returns one unshuffled 48-card shoe.
func Deck() []Card {
	cards := make([]Card, 0, ShoeSize)
	for copyNo := 0; copyNo < 4; copyNo++ {
		for n := 1; n <= 12; n++ {
			cards = append(cards, New(n))
		}
	}
	return cards
}

// NewShoe returns deckCount concatenated shoes shuffled together with a
// freshly seeded generator.
func NewShoe(deckCount int) []Card {
	return NewShoeWithRand(deckCount, NewRand())
}

// NewShoeWithRand is NewShoe with a caller-supplied generator, for
// deterministic tests.
func NewShoeWithRand(deckCount int, rng *mrand.Rand) []Card {
	if deckCount < 1 {
		deckCount = 1
	}
	if deckCount > MaxDeckCount {
		deckCount = MaxDeckCount
	}
	cards := make([]Card, 0, deckCount*ShoeSize)
	for i := 0; i < deckCount; i++ {
		cards = append(cards, Deck()...)
	}
	rng.Shuffle(len(cards), func(i, j int) { cards[i], cards[j] = cards[j], cards[i] })
	return cards
}

// DeckCountFor sizes the shoe so that every participant can draw a full
// hand: ceil((6*playerCount+6)/48), clamped to [1, MaxDeckCount].
func DeckCountFor(playerCount int) int {
	n := (6*playerCount + 6 + ShoeSize - 1) / ShoeSize
	if n < 1 {
		n = 1
	}
	if n > MaxDeckCount {
		n = MaxDeckCount
	}
	return n
}

// NewRand returns a math/rand generator seeded from the platform's secure
// entropy source.
func NewRand() *mrand.Rand {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	seed := int64(binary.LittleEndian.Uint64(buf[:]))
	return mrand.New(mrand.NewSource(seed))
}
