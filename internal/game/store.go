package game

import (
	"context"
	"errors"
	"time"

	"github.com/tehpsalmist/mind-hooks/internal/engine"
	"github.com/tehpsalmist/mind-hooks/internal/models"
)

// ErrNotFound is returned by Store implementations when a referenced game or
// round does not exist. Controllers treat it as a no-op: stale and duplicate
// triggers are expected.
var ErrNotFound = errors.New("not found")

// Store is the persistence gateway the controller drives. Every method that
// touches more than one entity must apply its writes atomically; methods
// returning *models.Game return a fresh snapshot after the write.
type Store interface {
	// LoadGame returns the full aggregate snapshot: players, current
	// round, plays ordered timestamp desc then round desc, revealed cards
	// likewise.
	LoadGame(ctx context.Context, id int64) (*models.Game, error)

	// EnterConflict clears all player ready flags and sets in_conflict,
	// returning the fresh snapshot the resolver will work from.
	EnterConflict(ctx context.Context, gameID int64) (*models.Game, error)

	// ClearConflict reverts a provisional in_conflict flag (compensation).
	ClearConflict(ctx context.Context, gameID int64) error

	// ApplyResolution atomically marks the listed plays reconciled, inserts
	// the synthesized plays, rewrites the named hands, adjusts lives and
	// clears in_conflict.
	ApplyResolution(ctx context.Context, gameID int64, res engine.Resolution) (*models.Game, error)

	// EnterTransition clears readiness and sets transitioning_round.
	EnterTransition(ctx context.Context, gameID int64) (*models.Game, error)

	// ClearTransition reverts a provisional transitioning_round flag.
	ClearTransition(ctx context.Context, gameID int64) error

	// FetchRound loads a round definition by id.
	FetchRound(ctx context.Context, roundID int64) (*models.Round, error)

	// GrantReward sets the named counter to its new value, clearing
	// in_conflict in the same write.
	GrantReward(ctx context.Context, gameID int64, reward models.Reward, newValue int) error

	// DealHands writes each player's new hand, points the game at the given
	// round, resets readiness and clears transitioning_round.
	DealHands(ctx context.Context, gameID, roundID int64, hands map[int64][]int) error

	// SetReady marks the game ready and clears in_conflict in the same
	// write.
	SetReady(ctx context.Context, gameID int64) error

	// SetNotReady clears the game's and every player's ready flag.
	SetNotReady(ctx context.Context, gameID int64) error

	// ConcludeGame marks the game finished with the given completion time.
	ConcludeGame(ctx context.Context, gameID int64, at time.Time) error

	// RevealStar records the revealed cards, rewrites the named hands,
	// decrements stars and clears every player's suggesting_star flag.
	RevealStar(ctx context.Context, gameID int64, revealed []*models.RevealedCard, hands map[int64][]int) (*models.Game, error)
}

// Notifier publishes game-changed notifications after successful sequences;
// delivery to clients belongs to the surrounding service.
type Notifier interface {
	Publish(ctx context.Context, gameID int64, event string) error
}
