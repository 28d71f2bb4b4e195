// Package cache holds the redis-backed pieces of the service. The notifier
// publishes game-changed events for the surrounding service to fan out;
// nothing in the core reads them back.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Channel carries every game-changed notification.
const Channel = "mind:games"

// Notifier publishes JSON game events to a redis channel.
type Notifier struct {
	rdb *redis.Client
	log *logrus.Entry
}

func NewNotifier(rdb *redis.Client, logger *logrus.Logger) *Notifier {
	return &Notifier{rdb: rdb, log: logger.WithField("component", "cache")}
}

type gameEvent struct {
	GameID int64     `json:"game_id"`
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
}

// Publish sends one event. Failures are reported to the caller; the core
// logs and continues, since notifications are advisory.
func (n *Notifier) Publish(ctx context.Context, gameID int64, event string) error {
	payload, err := json.Marshal(gameEvent{GameID: gameID, Type: event, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal game event: %w", err)
	}
	if err := n.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish game event: %w", err)
	}
	n.log.WithFields(logrus.Fields{"game_id": gameID, "event": event}).Debug("published game event")
	return nil
}
