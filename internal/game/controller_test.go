package game

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehpsalmist/mind-hooks/internal/engine"
	"github.com/tehpsalmist/mind-hooks/internal/models"
)

// mockStore is an in-memory gateway that applies deltas to its game the way
// the real store does, while recording every call for ordering assertions.
type mockStore struct {
	mu     sync.Mutex
	game   *models.Game
	rounds map[int64]*models.Round
	calls  []string

	failEnterConflict   bool
	failClearConflict   bool
	failEnterTransition bool

	lastResolution *engine.Resolution
	dealtRoundID   int64
	dealtHands     map[int64][]int
	granted        []models.Reward
	grantedValues  []int
	concludedAt    *time.Time
	revealed       []*models.RevealedCard
}

func (m *mockStore) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockStore) LoadGame(ctx context.Context, id int64) (*models.Game, error) {
	m.record("LoadGame")
	if m.game == nil || m.game.ID != id {
		return nil, ErrNotFound
	}
	return m.game, nil
}

func (m *mockStore) EnterConflict(ctx context.Context, gameID int64) (*models.Game, error) {
	m.record("EnterConflict")
	if m.failEnterConflict {
		return nil, errors.New("enter conflict rejected")
	}
	m.game.InConflict = true
	m.game.Ready = false
	for _, p := range m.game.Players {
		p.Ready = false
	}
	return m.game, nil
}

func (m *mockStore) ClearConflict(ctx context.Context, gameID int64) error {
	m.record("ClearConflict")
	if m.failClearConflict {
		return errors.New("clear conflict rejected")
	}
	m.game.InConflict = false
	return nil
}

func (m *mockStore) ApplyResolution(ctx context.Context, gameID int64, res engine.Resolution) (*models.Game, error) {
	m.record("ApplyResolution")
	m.lastResolution = &res

	recon := map[int64]bool{}
	for _, id := range res.ReconciledPlayIDs {
		recon[id] = true
	}
	for _, p := range m.game.Plays {
		if recon[p.ID] {
			p.Reconciled = true
		}
	}
	for i := len(res.NewPlays) - 1; i >= 0; i-- {
		m.game.Plays = append([]*models.Play{res.NewPlays[i]}, m.game.Plays...)
	}
	for _, pl := range m.game.Players {
		if hand, ok := res.NewHands[pl.ID]; ok {
			pl.Cards = hand
		}
	}
	m.game.Lives += res.LivesDelta
	m.game.InConflict = false
	return m.game, nil
}

func (m *mockStore) EnterTransition(ctx context.Context, gameID int64) (*models.Game, error) {
	m.record("EnterTransition")
	if m.failEnterTransition {
		return nil, errors.New("enter transition rejected")
	}
	m.game.TransitioningRound = true
	m.game.Ready = false
	for _, p := range m.game.Players {
		p.Ready = false
	}
	return m.game, nil
}

func (m *mockStore) ClearTransition(ctx context.Context, gameID int64) error {
	m.record("ClearTransition")
	m.game.TransitioningRound = false
	return nil
}

func (m *mockStore) FetchRound(ctx context.Context, roundID int64) (*models.Round, error) {
	m.record("FetchRound")
	r, ok := m.rounds[roundID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) GrantReward(ctx context.Context, gameID int64, reward models.Reward, newValue int) error {
	m.record("GrantReward")
	m.granted = append(m.granted, reward)
	m.grantedValues = append(m.grantedValues, newValue)
	switch reward {
	case models.RewardLife:
		m.game.Lives = newValue
	case models.RewardStar:
		m.game.Stars = newValue
	}
	m.game.InConflict = false
	return nil
}

func (m *mockStore) DealHands(ctx context.Context, gameID, roundID int64, hands map[int64][]int) error {
	m.record("DealHands")
	m.dealtRoundID = roundID
	m.dealtHands = hands
	m.game.Round = m.rounds[roundID]
	m.game.TransitioningRound = false
	for _, p := range m.game.Players {
		p.Cards = hands[p.ID]
		p.Ready = false
	}
	return nil
}

func (m *mockStore) SetReady(ctx context.Context, gameID int64) error {
	m.record("SetReady")
	m.game.Ready = true
	m.game.InConflict = false
	return nil
}

func (m *mockStore) SetNotReady(ctx context.Context, gameID int64) error {
	m.record("SetNotReady")
	m.game.Ready = false
	for _, p := range m.game.Players {
		p.Ready = false
	}
	return nil
}

func (m *mockStore) ConcludeGame(ctx context.Context, gameID int64, at time.Time) error {
	m.record("ConcludeGame")
	m.game.Finished = true
	m.game.FinishedAt = &at
	m.concludedAt = &at
	return nil
}

func (m *mockStore) RevealStar(ctx context.Context, gameID int64, revealed []*models.RevealedCard, hands map[int64][]int) (*models.Game, error) {
	m.record("RevealStar")
	m.revealed = revealed
	m.game.Stars--
	m.game.RevealedCards = append(revealed, m.game.RevealedCards...)
	for _, p := range m.game.Players {
		if hand, ok := hands[p.ID]; ok {
			p.Cards = hand
		}
		p.SuggestingStar = false
	}
	return m.game, nil
}

// scenarioGame builds a ready, playing game. hands are assigned to players
// 1..n; chronological plays are stored most recent first.
func scenarioGame(lives int, blind bool, hands [][]int, chronological ...int) *models.Game {
	g := &models.Game{
		ID:      42,
		Lives:   lives,
		Stars:   1,
		Started: true,
		Ready:   true,
		Round:   &models.Round{ID: 3, NumberOfCards: 2, IsBlind: blind, Reward: models.RewardNone},
	}
	for i, hand := range hands {
		g.Players = append(g.Players, &models.Player{
			ID:     int64(i + 1),
			GameID: g.ID,
			UserID: "user",
			Cards:  hand,
			Ready:  true,
		})
	}
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := len(chronological) - 1; i >= 0; i-- {
		g.Plays = append(g.Plays, &models.Play{
			ID:        int64(100 + i),
			GameID:    g.ID,
			PlayerID:  1,
			UserID:    "user",
			RoundID:   3,
			Value:     chronological[i],
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return g
}

func newTestController(t *testing.T, store *mockStore) (*Controller, *quartz.Mock) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	clock := quartz.NewMock(t)
	return NewController(store, nil, clock, logger), clock
}

func TestCardPlayedUnknownGame(t *testing.T) {
	store := &mockStore{}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 999)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame"}, store.calls)
}

func TestCardPlayedResolvesConflict(t *testing.T) {
	// Scenario B plus a high card so hands stay non-empty and no round
	// transition piggybacks on the resolution.
	store := &mockStore{game: scenarioGame(3, false, [][]int{{2, 5}, {4, 50}}, 6)}
	c, clock := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "EnterConflict", "ApplyResolution"}, store.calls)

	require.NotNil(t, store.lastResolution)
	assert.Equal(t, -1, store.lastResolution.LivesDelta)
	assert.Len(t, store.lastResolution.NewPlays, 3)
	assert.Equal(t, []int64{100}, store.lastResolution.ReconciledPlayIDs)
	for _, p := range store.lastResolution.NewPlays {
		assert.True(t, p.Timestamp.Equal(clock.Now()))
	}

	assert.Equal(t, 2, store.game.Lives)
	assert.False(t, store.game.InConflict)
	assert.Equal(t, []int{50}, store.game.Players[1].Cards)
	assert.False(t, engine.IsConflicted(store.game), "resolution should fully clear the conflict")
}

func TestCardPlayedConcludesOnLastLife(t *testing.T) {
	store := &mockStore{game: scenarioGame(1, false, [][]int{{2, 5}, {4, 50}}, 6)}
	c, clock := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "EnterConflict", "ApplyResolution", "ConcludeGame"}, store.calls)
	assert.True(t, store.game.Finished)
	require.NotNil(t, store.concludedAt)
	assert.True(t, store.concludedAt.Equal(clock.Now()))
}

func TestCardPlayedEnterConflictFailureCompensates(t *testing.T) {
	store := &mockStore{
		game:              scenarioGame(3, false, [][]int{{2, 5}, {4, 50}}, 6),
		failEnterConflict: true,
	}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.Error(t, err)
	assert.Equal(t, []string{"LoadGame", "EnterConflict", "ClearConflict"}, store.calls)
	assert.False(t, store.game.InConflict)
}

func TestCardPlayedCompensationFailureSurfaced(t *testing.T) {
	store := &mockStore{
		game:              scenarioGame(3, false, [][]int{{2, 5}, {4, 50}}, 6),
		failEnterConflict: true,
		failClearConflict: true,
	}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "enter conflict rejected")
	assert.Contains(t, err.Error(), "clear conflict rejected")
	assert.Equal(t, []string{"LoadGame", "EnterConflict", "ClearConflict"}, store.calls)
}

// TestTransitionSequence covers Scenario E: hands exhausted on a clean round
// fires transition, reward, fetch and a fresh deal sized to the next round.
func TestTransitionSequence(t *testing.T) {
	g := scenarioGame(2, false, [][]int{{}, {}}, 10, 20)
	g.Round.Reward = models.RewardLife
	store := &mockStore{
		game: g,
		rounds: map[int64]*models.Round{
			4: {ID: 4, NumberOfCards: 4, Reward: models.RewardNone},
		},
	}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "EnterTransition", "FetchRound", "GrantReward", "DealHands"}, store.calls)

	assert.Equal(t, []models.Reward{models.RewardLife}, store.granted)
	assert.Equal(t, []int{3}, store.grantedValues, "lives should go from 2 to 3")

	assert.Equal(t, int64(4), store.dealtRoundID)
	require.Len(t, store.dealtHands, 2)
	seen := map[int]bool{}
	for playerID, hand := range store.dealtHands {
		require.Len(t, hand, 4, "player %d hand sized to next round", playerID)
		assert.True(t, sort.IntsAreSorted(hand))
		for _, card := range hand {
			assert.False(t, seen[card], "card %d dealt twice", card)
			seen[card] = true
		}
	}
	assert.False(t, store.game.TransitioningRound)
}

func TestTransitionRoundsExhausted(t *testing.T) {
	store := &mockStore{
		game:   scenarioGame(2, false, [][]int{{}, {}}, 10, 20),
		rounds: map[int64]*models.Round{},
	}
	c, clock := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "EnterTransition", "FetchRound", "ConcludeGame"}, store.calls)
	assert.True(t, store.game.Finished)
	require.NotNil(t, store.game.FinishedAt)
	assert.True(t, store.game.FinishedAt.Equal(clock.Now()))
}

// TestBlindRoundConflictAtExhaustion: a blind round's disorder is only
// discovered once hands empty, and resolves before the transition runs.
func TestBlindRoundConflictAtExhaustion(t *testing.T) {
	g := scenarioGame(3, true, [][]int{{}, {}}, 20, 5)
	store := &mockStore{
		game: g,
		rounds: map[int64]*models.Round{
			4: {ID: 4, NumberOfCards: 1},
		},
	}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"LoadGame",
		"EnterConflict", "ApplyResolution",
		"EnterTransition", "FetchRound", "DealHands",
	}, store.calls)
	assert.Equal(t, 2, store.game.Lives, "blind conflict costs exactly one life")
}

func TestTransitionSkippedWhileConflicted(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{}, {}}, 10, 20)
	g.InConflict = true
	store := &mockStore{game: g}
	c, _ := newTestController(t, store)

	err := c.HandleCardPlayed(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame"}, store.calls)
}

func TestPlayerUpdatedAllReady(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{7}, {9}})
	g.Ready = false
	store := &mockStore{game: g}
	c, _ := newTestController(t, store)

	err := c.HandlePlayerUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "SetReady"}, store.calls)
	assert.True(t, store.game.Ready)
}

func TestPlayerUpdatedWithdrawnReadiness(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{7}, {9}})
	g.Players[1].Ready = false
	store := &mockStore{game: g}
	c, _ := newTestController(t, store)

	err := c.HandlePlayerUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "SetNotReady"}, store.calls)
	assert.False(t, store.game.Ready)
}

func TestPlayerUpdatedStarReveal(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{3, 9}, {7}, {}})
	for _, p := range g.Players {
		p.SuggestingStar = true
	}
	store := &mockStore{game: g}
	c, clock := newTestController(t, store)

	err := c.HandlePlayerUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Contains(t, store.calls, "RevealStar")

	require.Len(t, store.revealed, 2, "only non-empty hands reveal")
	assert.Equal(t, 3, store.revealed[0].Value)
	assert.Equal(t, int64(1), store.revealed[0].PlayerID)
	assert.Equal(t, 7, store.revealed[1].Value)
	assert.Equal(t, int64(2), store.revealed[1].PlayerID)
	for _, r := range store.revealed {
		assert.True(t, r.Timestamp.Equal(clock.Now()))
	}

	assert.Equal(t, 0, store.game.Stars)
	assert.Equal(t, []int{9}, store.game.Players[0].Cards)
	assert.Empty(t, store.game.Players[1].Cards)
	for _, p := range store.game.Players {
		assert.False(t, p.SuggestingStar)
	}
}

func TestPlayerUpdatedNoStarAvailable(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{3}, {7}})
	g.Stars = 0
	for _, p := range g.Players {
		p.SuggestingStar = true
	}
	store := &mockStore{game: g}
	c, _ := newTestController(t, store)

	err := c.HandlePlayerUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.NotContains(t, store.calls, "RevealStar")
}

func TestPlayerUpdatedFinishedGameIgnored(t *testing.T) {
	g := scenarioGame(0, false, [][]int{{}, {}})
	g.Finished = true
	store := &mockStore{game: g}
	c, _ := newTestController(t, store)

	err := c.HandlePlayerUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame"}, store.calls)
}

func TestGameUpdatedDealsFirstRound(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{}, {}})
	g.Round = nil
	g.Ready = false
	store := &mockStore{
		game:   g,
		rounds: map[int64]*models.Round{1: {ID: 1, NumberOfCards: 1}},
	}
	c, _ := newTestController(t, store)

	err := c.HandleGameUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "FetchRound", "DealHands"}, store.calls)
	assert.Equal(t, int64(1), store.dealtRoundID)
	for playerID, hand := range store.dealtHands {
		assert.Len(t, hand, 1, "player %d", playerID)
	}
}

func TestGameUpdatedWithoutRoundDefinitions(t *testing.T) {
	g := scenarioGame(3, false, [][]int{{}, {}})
	g.Round = nil
	store := &mockStore{game: g, rounds: map[int64]*models.Round{}}
	c, _ := newTestController(t, store)

	err := c.HandleGameUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame", "FetchRound", "DealHands"}, store.calls)
	assert.Equal(t, int64(1), store.dealtRoundID, "falls back to a minimal opening round")
}

func TestGameUpdatedAlreadyInRound(t *testing.T) {
	store := &mockStore{game: scenarioGame(3, false, [][]int{{7}, {9}})}
	c, _ := newTestController(t, store)

	err := c.HandleGameUpdated(context.Background(), 42)

	require.NoError(t, err)
	assert.Equal(t, []string{"LoadGame"}, store.calls)
}
