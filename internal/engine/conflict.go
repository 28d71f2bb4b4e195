package engine

import "github.com/tehpsalmist/mind-hooks/internal/models"

// IsConflicted reports whether a play occurred out of globally ascending order
// this round and has not yet been reconciled.
//
// The threshold starts above the deck (DeckSize+1), drops to the lowest card
// still held by any player, and then walks this round's plays most recent
// first. A play below the threshold is fine and becomes the new threshold, as
// does any already-reconciled play. The first play that fails both checks was
// not the lowest remaining card when it hit the pile, so the game is
// conflicted.
//
// Pure predicate: no mutation, safe to call repeatedly.
func IsConflicted(g *models.Game) bool {
	if g.Round == nil {
		return false
	}

	lowestUnplayed := DeckSize + 1
	for _, p := range g.Players {
		if len(p.Cards) > 0 && p.Cards[0] < lowestUnplayed {
			lowestUnplayed = p.Cards[0]
		}
	}

	for _, play := range g.Plays {
		if play.RoundID != g.Round.ID {
			continue
		}
		if play.Value < lowestUnplayed || play.Reconciled {
			lowestUnplayed = play.Value
			continue
		}
		return true
	}

	return false
}
