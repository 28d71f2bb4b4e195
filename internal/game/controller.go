// Package game drives the round state machine: conflict entry and resolution,
// round-to-round transitions, star reveals and the terminal lives-out check.
// It is invoked once per inbound trigger and leaves the aggregate consistent
// after every invocation; all sequences for a game run single-writer.
package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"

	"github.com/tehpsalmist/mind-hooks/internal/engine"
	"github.com/tehpsalmist/mind-hooks/internal/models"
)

// Controller orchestrates core sequences against the persistence gateway.
type Controller struct {
	store  Store
	notify Notifier
	clock  quartz.Clock
	log    *logrus.Entry
	serial *serializer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewController wires a controller. notify may be nil when no notification
// sink is configured.
func NewController(store Store, notify Notifier, clock quartz.Clock, logger *logrus.Logger) *Controller {
	return &Controller{
		store:  store,
		notify: notify,
		clock:  clock,
		log:    logger.WithField("component", "game"),
		serial: newSerializer(),
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// HandleCardPlayed processes a "play was recorded" trigger: detect and
// resolve a live conflict, then transition the round if hands are exhausted.
func (c *Controller) HandleCardPlayed(ctx context.Context, gameID int64) error {
	var err error
	c.serial.do(gameID, func() { err = c.cardPlayed(ctx, gameID) })
	return err
}

// HandlePlayerUpdated processes a "ready or suggesting_star flag changed"
// trigger: readiness aggregation, star reveal, and round transition.
func (c *Controller) HandlePlayerUpdated(ctx context.Context, gameID int64) error {
	var err error
	c.serial.do(gameID, func() { err = c.playerUpdated(ctx, gameID) })
	return err
}

// HandleGameUpdated processes a "game row changed" trigger: a game marked
// started with no current round gets its first round dealt.
func (c *Controller) HandleGameUpdated(ctx context.Context, gameID int64) error {
	var err error
	c.serial.do(gameID, func() { err = c.gameUpdated(ctx, gameID) })
	return err
}

// load fetches the aggregate, mapping ErrNotFound to (nil, nil): stale and
// duplicate triggers reference games that no longer exist.
func (c *Controller) load(ctx context.Context, gameID int64) (*models.Game, error) {
	g, err := c.store.LoadGame(ctx, gameID)
	if errors.Is(err, ErrNotFound) {
		c.log.WithField("game_id", gameID).Debug("trigger for unknown game, ignoring")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load game %d: %w", gameID, err)
	}
	return g, nil
}

func (c *Controller) cardPlayed(ctx context.Context, gameID int64) error {
	g, err := c.load(ctx, gameID)
	if g == nil || err != nil {
		return err
	}

	if g.Ready && !g.InConflict && g.Round != nil && !g.Round.IsBlind && engine.IsConflicted(g) {
		g, err = c.runConflict(ctx, g)
		if err != nil {
			return err
		}
		if g == nil {
			// Concluded inside the conflict sequence.
			return nil
		}
	}

	return c.maybeTransition(ctx, g)
}

func (c *Controller) playerUpdated(ctx context.Context, gameID int64) error {
	g, err := c.load(ctx, gameID)
	if g == nil || err != nil {
		return err
	}
	if g.Finished {
		return nil
	}

	log := c.log.WithField("game_id", g.ID)

	if !g.Ready && !g.InConflict && g.AllReady() {
		if err := c.store.SetReady(ctx, g.ID); err != nil {
			return fmt.Errorf("set game %d ready: %w", g.ID, err)
		}
		log.Info("all players ready, round is live")
		c.publish(ctx, g.ID, "game_ready")
	}

	if g.Ready && !g.InConflict && !g.AllReady() {
		if err := c.store.SetNotReady(ctx, g.ID); err != nil {
			return fmt.Errorf("set game %d not ready: %w", g.ID, err)
		}
		log.Info("player withdrew readiness, round suspended")
	}

	if !g.InConflict && g.Round != nil && g.Stars > 0 && g.AllSuggestingStar() {
		g, err = c.revealStar(ctx, g)
		if err != nil {
			return err
		}
	}

	return c.maybeTransition(ctx, g)
}

func (c *Controller) gameUpdated(ctx context.Context, gameID int64) error {
	g, err := c.load(ctx, gameID)
	if g == nil || err != nil {
		return err
	}

	if !g.Started || g.Round != nil {
		return nil
	}

	first, err := c.store.FetchRound(ctx, 1)
	if errors.Is(err, ErrNotFound) {
		// No round definitions seeded; deal the minimal opening round.
		first = &models.Round{ID: 1, NumberOfCards: 1}
	} else if err != nil {
		return fmt.Errorf("fetch first round: %w", err)
	}

	c.log.WithField("game_id", g.ID).Info("game started, dealing first round")
	return c.startRound(ctx, g, first)
}

// runConflict executes the CONFLICTED → RESOLVING sequence. It returns the
// fresh post-resolution snapshot, or (nil, nil) when the game ran out of
// lives and was concluded.
func (c *Controller) runConflict(ctx context.Context, g *models.Game) (*models.Game, error) {
	log := c.log.WithField("game_id", g.ID)

	fresh, err := c.store.EnterConflict(ctx, g.ID)
	if err != nil {
		if cerr := c.store.ClearConflict(ctx, g.ID); cerr != nil {
			log.WithError(cerr).Error("compensating in_conflict clear failed, game needs manual intervention")
			return nil, fmt.Errorf("enter conflict: %w (compensation: %v)", err, cerr)
		}
		return nil, fmt.Errorf("enter conflict: %w", err)
	}

	res := engine.Resolve(fresh, c.clock.Now())

	resolved, err := c.store.ApplyResolution(ctx, fresh.ID, res)
	if err != nil {
		return nil, fmt.Errorf("apply resolution: %w", err)
	}

	log.WithFields(logrus.Fields{
		"groups":      len(res.Groups),
		"lives_delta": res.LivesDelta,
		"lives":       resolved.Lives,
	}).Info("conflict resolved")

	if resolved.Lives < 1 {
		if err := c.store.ConcludeGame(ctx, resolved.ID, c.clock.Now()); err != nil {
			return nil, fmt.Errorf("conclude game: %w", err)
		}
		log.Info("no lives remaining, game concluded")
		c.publish(ctx, resolved.ID, "game_finished")
		return nil, nil
	}

	c.publish(ctx, resolved.ID, "conflict_resolved")
	return resolved, nil
}

// maybeTransition fires the TRANSITIONING sequence once every hand is empty.
// A blind round's disorder only surfaces here, so it is resolved first.
func (c *Controller) maybeTransition(ctx context.Context, g *models.Game) error {
	if g.Finished || g.InConflict || g.TransitioningRound || g.Round == nil || !g.AllHandsEmpty() {
		return nil
	}

	if g.Round.IsBlind && engine.IsConflicted(g) {
		var err error
		g, err = c.runConflict(ctx, g)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}
	}

	return c.transition(ctx, g)
}

func (c *Controller) transition(ctx context.Context, g *models.Game) error {
	log := c.log.WithField("game_id", g.ID)

	fresh, err := c.store.EnterTransition(ctx, g.ID)
	if err != nil {
		if cerr := c.store.ClearTransition(ctx, g.ID); cerr != nil {
			log.WithError(cerr).Error("compensating transitioning_round clear failed, game needs manual intervention")
			return fmt.Errorf("enter transition: %w (compensation: %v)", err, cerr)
		}
		return fmt.Errorf("enter transition: %w", err)
	}

	next, err := c.store.FetchRound(ctx, fresh.Round.ID+1)
	if errors.Is(err, ErrNotFound) {
		// The crew cleared every round there is.
		if err := c.store.ConcludeGame(ctx, fresh.ID, c.clock.Now()); err != nil {
			return fmt.Errorf("conclude game: %w", err)
		}
		log.Info("final round cleared, game concluded")
		c.publish(ctx, fresh.ID, "game_finished")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch round %d: %w", fresh.Round.ID+1, err)
	}

	if err := c.grantReward(ctx, fresh); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"round": next.ID, "cards": next.NumberOfCards}).Info("transitioning to next round")
	return c.startRound(ctx, fresh, next)
}

// grantReward applies the finished round's reward against the game counters.
func (c *Controller) grantReward(ctx context.Context, g *models.Game) error {
	switch g.Round.Reward {
	case models.RewardLife:
		if err := c.store.GrantReward(ctx, g.ID, models.RewardLife, g.Lives+1); err != nil {
			return fmt.Errorf("grant life: %w", err)
		}
	case models.RewardStar:
		if err := c.store.GrantReward(ctx, g.ID, models.RewardStar, g.Stars+1); err != nil {
			return fmt.Errorf("grant star: %w", err)
		}
	}
	return nil
}

// startRound deals fresh hands sized to the round and persists them together
// with the new round reference.
func (c *Controller) startRound(ctx context.Context, g *models.Game, round *models.Round) error {
	for _, p := range g.Players {
		p.Cards = nil
	}

	c.rngMu.Lock()
	engine.Deal(g.Players, round.NumberOfCards, c.rng)
	c.rngMu.Unlock()

	hands := make(map[int64][]int, len(g.Players))
	for _, p := range g.Players {
		hands[p.ID] = p.Cards
	}

	if err := c.store.DealHands(ctx, g.ID, round.ID, hands); err != nil {
		return fmt.Errorf("deal round %d: %w", round.ID, err)
	}

	c.publish(ctx, g.ID, "round_started")
	return nil
}

// revealStar burns a star to expose and discard every player's lowest card.
func (c *Controller) revealStar(ctx context.Context, g *models.Game) (*models.Game, error) {
	now := c.clock.Now()

	var revealed []*models.RevealedCard
	hands := make(map[int64][]int)
	for _, p := range g.Players {
		if len(p.Cards) == 0 {
			continue
		}
		revealed = append(revealed, &models.RevealedCard{
			GameID:    g.ID,
			PlayerID:  p.ID,
			UserID:    p.UserID,
			RoundID:   g.Round.ID,
			Value:     p.Cards[0],
			Timestamp: now,
		})
		hands[p.ID] = p.Cards[1:]
	}

	fresh, err := c.store.RevealStar(ctx, g.ID, revealed, hands)
	if err != nil {
		return nil, fmt.Errorf("reveal star: %w", err)
	}

	c.log.WithFields(logrus.Fields{"game_id": g.ID, "revealed": len(revealed), "stars": fresh.Stars}).Info("star revealed")
	c.publish(ctx, g.ID, "star_revealed")
	return fresh, nil
}

func (c *Controller) publish(ctx context.Context, gameID int64, event string) {
	if c.notify == nil {
		return
	}
	if err := c.notify.Publish(ctx, gameID, event); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"game_id": gameID, "event": event}).Warn("notify failed")
	}
}
