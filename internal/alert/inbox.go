package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcliao/care-companion/internal/model"
	"github.com/rcliao/care-companion/internal/store"
)

// AppChannel delivers to the in-app inbox kept in the store. The address is
// the recipient ID.
type AppChannel struct {
	store store.InboxStore
}

func NewAppChannel(s store.InboxStore) *AppChannel { return &AppChannel{store: s} }

func (c *AppChannel) Name() model.Channel { return model.ChannelApp }

func (c *AppChannel) Send(ctx context.Context, recipientID string, msg Message) (string, error) {
	if recipientID == "" {
		return "", Permanent(fmt.Errorf("inbox recipient not provided"))
	}
	m := model.InboxMessage{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Title:       msg.Title,
		Body:        msg.Body,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.AppendInbox(ctx, m); err != nil {
		return "", fmt.Errorf("append inbox: %w", err)
	}
	return m.ID, nil
}

// LogChannel writes alerts to the log. It is meant for development.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert.log")}
}

func (c *LogChannel) Name() model.Channel { return model.ChannelLog }

func (c *LogChannel) Send(_ context.Context, address string, msg Message) (string, error) {
	id := uuid.NewString()
	c.logger.Info("alert",
		zap.String("to", address),
		zap.String("kind", string(msg.Kind)),
		zap.String("severity", string(msg.Severity)),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
		zap.String("message_id", id))
	return id, nil
}
