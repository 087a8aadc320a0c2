package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

// PutEventsAPI is the part of the EventBridge client the publisher uses.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher forwards events to an AWS EventBridge bus so other
// services (a caregiver portal, paging) can react to them.
type EventBridgePublisher struct {
	client  PutEventsAPI
	busName string
	source  string
	logger  *zap.Logger
}

func NewEventBridgePublisher(client PutEventsAPI, busName, source string, logger *zap.Logger) *EventBridgePublisher {
	return &EventBridgePublisher{
		client:  client,
		busName: busName,
		source:  source,
		logger:  logger.Named("eventbridge"),
	}
}

// NewEventBridgePublisherFromEnv builds a client from the default AWS
// credential chain.
func NewEventBridgePublisherFromEnv(ctx context.Context, busName, source string, logger *zap.Logger) (*EventBridgePublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEventBridgePublisher(eventbridge.NewFromConfig(cfg), busName, source, logger), nil
}

func (p *EventBridgePublisher) Publish(ctx context.Context, e Event) error {
	return p.PublishBatch(ctx, []Event{e})
}

// PublishBatch sends events in groups of ten, the PutEvents limit.
func (p *EventBridgePublisher) PublishBatch(ctx context.Context, evs []Event) error {
	const batchSize = 10
	for i := 0; i < len(evs); i += batchSize {
		end := min(i+batchSize, len(evs))
		if err := p.publishBatch(ctx, evs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventBridgePublisher) publishBatch(ctx context.Context, evs []Event) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(evs))
	for _, e := range evs {
		detail, err := json.Marshal(e)
		if err != nil {
			p.logger.Error("marshal event", zap.String("type", e.Type), zap.Error(err))
			continue
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(e.Type),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(e.At),
			Resources:    []string{"care:patient/" + e.PatientID, "care:case/" + e.CaseID},
		})
	}
	if len(entries) == 0 {
		return nil
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("publish events to eventbridge: %w", err)
	}
	if out.FailedEntryCount > 0 {
		for i, entry := range out.Entries {
			if entry.ErrorCode != nil && i < len(evs) {
				p.logger.Error("event rejected by eventbridge",
					zap.String("type", evs[i].Type),
					zap.String("error_code", aws.ToString(entry.ErrorCode)),
					zap.String("error_message", aws.ToString(entry.ErrorMessage)))
			}
		}
		return fmt.Errorf("%d events failed to publish", out.FailedEntryCount)
	}

	p.logger.Debug("events published", zap.Int("count", len(entries)), zap.String("bus", p.busName))
	return nil
}
