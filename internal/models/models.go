// Package models defines the persisted aggregate types shared by the game
// engine, the controller and the persistence gateway. Instances are snapshots:
// they are loaded whole, mutated in memory and written back as deltas.
package models

import "time"

// Reward is the prize granted when a round is cleared.
type Reward string

const (
	RewardNone Reward = "none"
	RewardLife Reward = "life"
	RewardStar Reward = "star"
)

// Round describes one level of the game: how many cards each player holds,
// whether conflicts stay hidden until hands are exhausted, and the reward for
// clearing it.
type Round struct {
	ID            int64
	NumberOfCards int
	IsBlind       bool
	Reward        Reward
}

// Player is one seat in a game. Cards holds the unplayed hand, always sorted
// ascending.
type Player struct {
	ID             int64
	GameID         int64
	UserID         string
	Name           string
	Cards          []int
	Ready          bool
	SuggestingStar bool
}

// Play records a single card placed on the shared pile. Timestamp is the
// authoritative ordering key. Reconciled plays have been accounted for by the
// conflict resolver and are never re-flagged.
type Play struct {
	ID         int64
	GameID     int64
	PlayerID   int64
	UserID     string
	RoundID    int64
	Value      int
	Timestamp  time.Time
	Reconciled bool
}

// RevealedCard is an append-only audit record of a card exposed by a star
// reveal.
type RevealedCard struct {
	ID        int64
	GameID    int64
	PlayerID  int64
	UserID    string
	RoundID   int64
	Value     int
	Timestamp time.Time
}

// Game is the full aggregate snapshot. Plays and RevealedCards are ordered
// most recent first (timestamp desc, then round desc), matching how the
// gateway loads them.
type Game struct {
	ID                 int64
	Name               string
	OwnerID            string
	Lives              int
	Stars              int
	IsFull             bool
	Started            bool
	Ready              bool
	InConflict         bool
	TransitioningRound bool
	Finished           bool
	PlayerCount        int
	Round              *Round
	Players            []*Player
	Plays              []*Play
	RevealedCards      []*RevealedCard
	FinishedAt         *time.Time
	CreatedAt          time.Time
}

// AllHandsEmpty reports whether every player has played out their hand.
func (g *Game) AllHandsEmpty() bool {
	for _, p := range g.Players {
		if len(p.Cards) > 0 {
			return false
		}
	}
	return true
}

// AllReady reports whether every player has flagged ready.
func (g *Game) AllReady() bool {
	for _, p := range g.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// AllSuggestingStar reports whether every player is signalling for a star
// reveal.
func (g *Game) AllSuggestingStar() bool {
	for _, p := range g.Players {
		if !p.SuggestingStar {
			return false
		}
	}
	return true
}

// RoundPlays returns this round's plays in their stored order (most recent
// first). The result aliases the snapshot's Play pointers.
func (g *Game) RoundPlays() []*Play {
	if g.Round == nil {
		return nil
	}
	var plays []*Play
	for _, p := range g.Plays {
		if p.RoundID == g.Round.ID {
			plays = append(plays, p)
		}
	}
	return plays
}
