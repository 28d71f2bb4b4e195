// Package database implements the persistence gateway over Postgres. Every
// multi-entity write runs in a single transaction so a delta is applied
// completely or not at all.
package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/tehpsalmist/mind-hooks/internal/engine"
	"github.com/tehpsalmist/mind-hooks/internal/game"
	"github.com/tehpsalmist/mind-hooks/internal/models"
)

//go:embed schema.sql
var schema string

// Store is the pgx-backed implementation of game.Store.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

func New(pool *pgxpool.Pool, logger *logrus.Logger) *Store {
	return &Store{pool: pool, log: logger.WithField("component", "database")}
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const gameColumns = `id, name, owner_id, lives, stars, is_full, started, ready,
	in_conflict, transitioning_round, finished, player_count, round_id,
	finished_at, created_at`

// LoadGame returns the full aggregate snapshot for id.
func (s *Store) LoadGame(ctx context.Context, id int64) (*models.Game, error) {
	var (
		g       models.Game
		roundID *int64
	)
	err := s.pool.QueryRow(ctx, `SELECT `+gameColumns+` FROM games WHERE id = $1`, id).Scan(
		&g.ID, &g.Name, &g.OwnerID, &g.Lives, &g.Stars, &g.IsFull, &g.Started,
		&g.Ready, &g.InConflict, &g.TransitioningRound, &g.Finished,
		&g.PlayerCount, &roundID, &g.FinishedAt, &g.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game %d: %w", id, err)
	}

	if roundID != nil {
		round, err := s.FetchRound(ctx, *roundID)
		if err != nil {
			return nil, err
		}
		g.Round = round
	}

	if g.Players, err = s.loadPlayers(ctx, id); err != nil {
		return nil, err
	}
	if g.Plays, err = s.loadPlays(ctx, id); err != nil {
		return nil, err
	}
	if g.RevealedCards, err = s.loadRevealedCards(ctx, id); err != nil {
		return nil, err
	}

	return &g, nil
}

func (s *Store) loadPlayers(ctx context.Context, gameID int64) ([]*models.Player, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, game_id, user_id, name, cards, ready, suggesting_star
		FROM players WHERE game_id = $1 ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load players for game %d: %w", gameID, err)
	}
	players, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Player, error) {
		var p models.Player
		err := row.Scan(&p.ID, &p.GameID, &p.UserID, &p.Name, &p.Cards, &p.Ready, &p.SuggestingStar)
		return &p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan players for game %d: %w", gameID, err)
	}
	return players, nil
}

func (s *Store) loadPlays(ctx context.Context, gameID int64) ([]*models.Play, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, game_id, player_id, user_id, round_id, value, timestamp, reconciled
		FROM plays WHERE game_id = $1 ORDER BY timestamp DESC, round_id DESC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load plays for game %d: %w", gameID, err)
	}
	plays, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Play, error) {
		var p models.Play
		err := row.Scan(&p.ID, &p.GameID, &p.PlayerID, &p.UserID, &p.RoundID, &p.Value, &p.Timestamp, &p.Reconciled)
		return &p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan plays for game %d: %w", gameID, err)
	}
	return plays, nil
}

func (s *Store) loadRevealedCards(ctx context.Context, gameID int64) ([]*models.RevealedCard, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, game_id, player_id, user_id, round_id, value, timestamp
		FROM revealed_cards WHERE game_id = $1 ORDER BY timestamp DESC, round_id DESC`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load revealed cards for game %d: %w", gameID, err)
	}
	revealed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.RevealedCard, error) {
		var r models.RevealedCard
		err := row.Scan(&r.ID, &r.GameID, &r.PlayerID, &r.UserID, &r.RoundID, &r.Value, &r.Timestamp)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan revealed cards for game %d: %w", gameID, err)
	}
	return revealed, nil
}

// FetchRound loads a round definition by id.
func (s *Store) FetchRound(ctx context.Context, roundID int64) (*models.Round, error) {
	var r models.Round
	err := s.pool.QueryRow(ctx, `
		SELECT id, number_of_cards, is_blind, reward FROM rounds WHERE id = $1`, roundID).
		Scan(&r.ID, &r.NumberOfCards, &r.IsBlind, &r.Reward)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch round %d: %w", roundID, err)
	}
	return &r, nil
}

// EnterConflict clears readiness and flags the game conflicted in one
// transaction, then returns the fresh snapshot.
func (s *Store) EnterConflict(ctx context.Context, gameID int64) (*models.Game, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE players SET ready = false WHERE game_id = $1`, gameID); err != nil {
			return err
		}
		return s.touchGame(ctx, tx, gameID, `UPDATE games SET in_conflict = true, ready = false WHERE id = $1`)
	})
	if err != nil {
		return nil, fmt.Errorf("enter conflict for game %d: %w", gameID, err)
	}
	return s.LoadGame(ctx, gameID)
}

// ClearConflict reverts a provisional in_conflict flag.
func (s *Store) ClearConflict(ctx context.Context, gameID int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET in_conflict = false WHERE id = $1`, gameID); err != nil {
		return fmt.Errorf("clear conflict for game %d: %w", gameID, err)
	}
	return nil
}

// ApplyResolution applies the reconciliation delta atomically.
func (s *Store) ApplyResolution(ctx context.Context, gameID int64, res engine.Resolution) (*models.Game, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if len(res.ReconciledPlayIDs) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE plays SET reconciled = true WHERE id = ANY($1)`, res.ReconciledPlayIDs); err != nil {
				return err
			}
		}
		for _, p := range res.NewPlays {
			if _, err := tx.Exec(ctx, `
				INSERT INTO plays (game_id, player_id, user_id, round_id, value, timestamp, reconciled)
				VALUES ($1, $2, $3, $4, $5, $6, true)`,
				p.GameID, p.PlayerID, p.UserID, p.RoundID, p.Value, p.Timestamp); err != nil {
				return err
			}
		}
		for playerID, hand := range res.NewHands {
			if _, err := tx.Exec(ctx, `UPDATE players SET cards = $2 WHERE id = $1`, playerID, hand); err != nil {
				return err
			}
		}
		return s.touchGame(ctx, tx, gameID,
			`UPDATE games SET lives = lives + $2, in_conflict = false WHERE id = $1`, res.LivesDelta)
	})
	if err != nil {
		return nil, fmt.Errorf("apply resolution for game %d: %w", gameID, err)
	}
	return s.LoadGame(ctx, gameID)
}

// EnterTransition clears readiness and flags the round transition.
func (s *Store) EnterTransition(ctx context.Context, gameID int64) (*models.Game, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE players SET ready = false WHERE game_id = $1`, gameID); err != nil {
			return err
		}
		return s.touchGame(ctx, tx, gameID, `UPDATE games SET transitioning_round = true, ready = false WHERE id = $1`)
	})
	if err != nil {
		return nil, fmt.Errorf("enter transition for game %d: %w", gameID, err)
	}
	return s.LoadGame(ctx, gameID)
}

// ClearTransition reverts a provisional transitioning_round flag.
func (s *Store) ClearTransition(ctx context.Context, gameID int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET transitioning_round = false WHERE id = $1`, gameID); err != nil {
		return fmt.Errorf("clear transition for game %d: %w", gameID, err)
	}
	return nil
}

// GrantReward writes the new counter value, clearing in_conflict in the same
// statement.
func (s *Store) GrantReward(ctx context.Context, gameID int64, reward models.Reward, newValue int) error {
	var query string
	switch reward {
	case models.RewardLife:
		query = `UPDATE games SET lives = $2, in_conflict = false WHERE id = $1`
	case models.RewardStar:
		query = `UPDATE games SET stars = $2, in_conflict = false WHERE id = $1`
	default:
		return nil
	}
	if _, err := s.pool.Exec(ctx, query, gameID, newValue); err != nil {
		return fmt.Errorf("grant %s for game %d: %w", reward, gameID, err)
	}
	return nil
}

// DealHands writes the new hands, points the game at the round and ends the
// transition, all in one transaction.
func (s *Store) DealHands(ctx context.Context, gameID, roundID int64, hands map[int64][]int) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.touchGame(ctx, tx, gameID,
			`UPDATE games SET round_id = $2, transitioning_round = false WHERE id = $1`, roundID); err != nil {
			return err
		}
		for playerID, hand := range hands {
			if _, err := tx.Exec(ctx, `UPDATE players SET cards = $2, ready = false WHERE id = $1`, playerID, hand); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deal hands for game %d round %d: %w", gameID, roundID, err)
	}
	return nil
}

// SetReady marks the game live and clears in_conflict in the same write.
func (s *Store) SetReady(ctx context.Context, gameID int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET ready = true, in_conflict = false WHERE id = $1`, gameID); err != nil {
		return fmt.Errorf("set ready for game %d: %w", gameID, err)
	}
	return nil
}

// SetNotReady clears the game's and every player's ready flag.
func (s *Store) SetNotReady(ctx context.Context, gameID int64) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE games SET ready = false WHERE id = $1`, gameID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE players SET ready = false WHERE game_id = $1`, gameID)
		return err
	})
	if err != nil {
		return fmt.Errorf("set not ready for game %d: %w", gameID, err)
	}
	return nil
}

// ConcludeGame stamps the terminal state.
func (s *Store) ConcludeGame(ctx context.Context, gameID int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE games SET finished = true, finished_at = $2 WHERE id = $1`, gameID, at); err != nil {
		return fmt.Errorf("conclude game %d: %w", gameID, err)
	}
	return nil
}

// RevealStar burns a star, records the revelations, strips the revealed cards
// and clears every suggesting_star flag in one transaction.
func (s *Store) RevealStar(ctx context.Context, gameID int64, revealed []*models.RevealedCard, hands map[int64][]int) (*models.Game, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `UPDATE games SET stars = stars - 1 WHERE id = $1 AND stars > 0`, gameID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return errors.New("no star available")
		}
		for _, r := range revealed {
			if _, err := tx.Exec(ctx, `
				INSERT INTO revealed_cards (game_id, player_id, user_id, round_id, value, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.GameID, r.PlayerID, r.UserID, r.RoundID, r.Value, r.Timestamp); err != nil {
				return err
			}
		}
		for playerID, hand := range hands {
			if _, err := tx.Exec(ctx, `UPDATE players SET cards = $2 WHERE id = $1`, playerID, hand); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE players SET suggesting_star = false WHERE game_id = $1`, gameID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reveal star for game %d: %w", gameID, err)
	}
	return s.LoadGame(ctx, gameID)
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// touchGame runs an update that must hit exactly the one game row; zero rows
// means the game vanished under us.
func (s *Store) touchGame(ctx context.Context, tx pgx.Tx, gameID int64, query string, args ...any) error {
	allArgs := append([]any{gameID}, args...)
	ct, err := tx.Exec(ctx, query, allArgs...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return game.ErrNotFound
	}
	return nil
}
