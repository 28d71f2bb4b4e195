// Package engine implements the core rules of the game: dealing, detecting
// out-of-order plays, and computing the reconciliation delta that resolves a
// conflict.
//
// Every function in this package is a pure computation over a Game snapshot.
// Nothing here talks to storage; callers apply the returned deltas through the
// persistence gateway.
package engine

import (
	"math/rand"
	"sort"

	"github.com/tehpsalmist/mind-hooks/internal/models"
)

// DeckSize is the highest card value. Each round draws from a fresh pool of
// 1..DeckSize, so a value appears in at most one hand or play per round.
const DeckSize = 100

// Deal draws count cards per player, without replacement, from a fresh pool
// of 1..DeckSize, then sorts each hand ascending. Cards are drawn round-robin
// so no seat is favored. The pool is per-call state; there is no shared deck
// between rounds or games.
func Deal(players []*models.Player, count int, rng *rand.Rand) {
	pool := make([]int, DeckSize)
	for i := range pool {
		pool[i] = i + 1
	}

	for c := 0; c < count; c++ {
		for _, p := range players {
			i := rng.Intn(len(pool))
			p.Cards = append(p.Cards, pool[i])
			pool[i] = pool[len(pool)-1]
			pool = pool[:len(pool)-1]
		}
	}

	for _, p := range players {
		sort.Ints(p.Cards)
	}
}
