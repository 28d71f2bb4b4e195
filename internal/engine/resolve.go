package engine

import (
	"slices"
	"sort"
	"time"

	"github.com/tehpsalmist/mind-hooks/internal/models"
)

// Entry is one position on the reconstructed timeline of a round: either an
// actual play (Played) or a card somebody should have played but still holds.
type Entry struct {
	Value      int
	Played     bool
	Reconciled bool
	PlayID     int64
	PlayerID   int64
	UserID     string
}

// Group is one run of problematic timeline entries. Each group counts as a
// single moment of disorder and costs one life in a non-blind round.
// CurrentHighest is diagnostic only.
type Group struct {
	CurrentHighest int
	Entries        []Entry
}

// Resolution is the reconciliation delta produced by Resolve. It must be
// applied atomically: plays flagged, synthetic plays inserted, hands
// rewritten, lives adjusted and in_conflict cleared in a single write.
type Resolution struct {
	ReconciledPlayIDs []int64
	NewPlays          []*models.Play
	NewHands          map[int64][]int
	LivesDelta        int
	Groups            []Group
}

// Resolve computes the delta that reconciles a conflicted game. now stamps
// the synthesized plays recorded for cards that were never actually played.
//
// The timeline is built by merging this round's plays (chronological order,
// never reordered) with every held card below the highest played value
// (ascending). Problematic entries are grouped, each group costing one life
// unless the round is blind, in which case the penalty is capped at one.
//
// Pure computation: the snapshot is not mutated.
func Resolve(g *models.Game, now time.Time) Resolution {
	plays := g.RoundPlays()

	highestPlayed := 0
	for _, p := range plays {
		if p.Value > highestPlayed {
			highestPlayed = p.Value
		}
	}

	// Stored order is most recent first; reverse into chronological order.
	recent := make([]Entry, 0, len(plays))
	for i := len(plays) - 1; i >= 0; i-- {
		p := plays[i]
		recent = append(recent, Entry{
			Value:      p.Value,
			Played:     true,
			Reconciled: p.Reconciled,
			PlayID:     p.ID,
			PlayerID:   p.PlayerID,
			UserID:     p.UserID,
		})
	}

	// Cards that should already have hit the pile.
	var missed []Entry
	for _, pl := range g.Players {
		for _, c := range pl.Cards {
			if c < highestPlayed {
				missed = append(missed, Entry{Value: c, PlayerID: pl.ID, UserID: pl.UserID})
			}
		}
	}
	sort.SliceStable(missed, func(i, j int) bool { return missed[i].Value < missed[j].Value })

	timeline := mergeTimeline(recent, missed)
	groups := groupViolations(timeline)

	livesDelta := -len(groups)
	if g.Round.IsBlind {
		livesDelta = -1
	}

	res := Resolution{
		NewHands:   make(map[int64][]int),
		LivesDelta: livesDelta,
		Groups:     groups,
	}

	for _, grp := range groups {
		for _, e := range grp.Entries {
			if e.Played {
				res.ReconciledPlayIDs = append(res.ReconciledPlayIDs, e.PlayID)
				continue
			}
			res.NewPlays = append(res.NewPlays, &models.Play{
				GameID:     g.ID,
				PlayerID:   e.PlayerID,
				UserID:     e.UserID,
				RoundID:    g.Round.ID,
				Value:      e.Value,
				Timestamp:  now,
				Reconciled: true,
			})
		}
	}

	// Strip every missed value from its owner's hand, order preserved.
	missedByPlayer := make(map[int64]map[int]bool)
	for _, e := range missed {
		if missedByPlayer[e.PlayerID] == nil {
			missedByPlayer[e.PlayerID] = make(map[int]bool)
		}
		missedByPlayer[e.PlayerID][e.Value] = true
	}
	for _, pl := range g.Players {
		gone := missedByPlayer[pl.ID]
		if len(gone) == 0 {
			continue
		}
		hand := make([]int, 0, len(pl.Cards)-len(gone))
		for _, c := range pl.Cards {
			if !gone[c] {
				hand = append(hand, c)
			}
		}
		res.NewHands[pl.ID] = hand
	}

	return res
}

// mergeTimeline splices missed cards (ascending) into the chronological play
// list. A missed card lands at the first position where it is strictly above
// the running value behind it and strictly below the entry ahead of it, with
// 0 and DeckSize as open sentinels at the ends. Comparisons are deliberately
// strict; card values are unique per round so ties cannot arise.
func mergeTimeline(plays, missed []Entry) []Entry {
	out := make([]Entry, len(plays), len(plays)+len(missed))
	copy(out, plays)

	si := 0
	for mi := 0; mi < len(missed); si++ {
		prev := 0
		if si-1 >= 0 && si-1 < len(out) {
			prev = out[si-1].Value
		}
		next := DeckSize
		if si < len(out) {
			next = out[si].Value
		}
		if prev < missed[mi].Value && next > missed[mi].Value {
			out = slices.Insert(out, min(si, len(out)), missed[mi])
			mi++
		}
	}

	return out
}

// groupViolations walks the merged timeline and collects problematic entries
// into groups. An entry is problematic when it was never played, or when it is
// an unreconciled play that either drops below the preceding entry's value or
// directly follows a missed card. A fresh group opens whenever an actual play
// is immediately followed by a missed card; otherwise problematic entries join
// the current group even across an intervening clean entry.
func groupViolations(timeline []Entry) []Group {
	var groups []Group

	for i, e := range timeline {
		prevValue := 0
		prevPlayed := true
		if i > 0 {
			prevValue = timeline[i-1].Value
			prevPlayed = timeline[i-1].Played
		}

		problematic := !e.Played || (!e.Reconciled && (e.Value < prevValue || !prevPlayed))
		if !problematic {
			continue
		}

		if len(groups) == 0 || (prevPlayed && !e.Played) {
			groups = append(groups, Group{CurrentHighest: e.Value, Entries: []Entry{e}})
			continue
		}

		last := &groups[len(groups)-1]
		if e.Value > last.CurrentHighest {
			last.CurrentHighest = e.Value
		}
		last.Entries = append(last.Entries, e)
	}

	return groups
}
