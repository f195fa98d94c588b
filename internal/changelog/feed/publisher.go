// Package feed ships committed change records to Kafka, one topic per source
// region. Delivery is at-least-once: the offset advances only after the
// broker acknowledges the batch, so consumers must dedupe on
// (source_region, sequence).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"regionsync/internal/changelog"
)

// Producer is the subset of kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// OffsetStore persists the publisher's position per source region.
type OffsetStore interface {
	Load(ctx context.Context, sourceRegion string) (changelog.Cursor, error)
	Save(ctx context.Context, sourceRegion string, cursor changelog.Cursor) error
}

// Publisher drains the change log to Kafka on a fixed poll interval.
type Publisher struct {
	store       changelog.Store
	offsets     OffsetStore
	producer    Producer
	regions     []string
	topicPrefix string
	interval    time.Duration
	batchSize   int
	logger      *zap.Logger
}

func NewPublisher(
	store changelog.Store,
	offsets OffsetStore,
	producer Producer,
	regions []string,
	topicPrefix string,
	interval time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Publisher {
	return &Publisher{
		store:       store,
		offsets:     offsets,
		producer:    producer,
		regions:     regions,
		topicPrefix: topicPrefix,
		interval:    interval,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// Run polls until the context is cancelled. A failed drain is logged and
// retried on the next tick; the offset never advances past an unacknowledged
// record.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, region := range p.regions {
				if err := p.drain(ctx, region); err != nil {
					p.logger.Warn("change feed drain failed",
						zap.String("source_region", region),
						zap.Error(err),
					)
				}
			}
		}
	}
}

func (p *Publisher) drain(ctx context.Context, region string) error {
	cursor, err := p.offsets.Load(ctx, region)
	if err != nil {
		return fmt.Errorf("load feed offset: %w", err)
	}

	for {
		records, next, err := p.store.ReadSince(ctx, "", cursor, region, p.batchSize)
		if err != nil {
			return fmt.Errorf("read change log: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		batch := make([]*kgo.Record, 0, len(records))
		for i := range records {
			kr, err := p.encode(&records[i])
			if err != nil {
				return err
			}
			batch = append(batch, kr)
		}
		if err := p.producer.ProduceSync(ctx, batch...).FirstErr(); err != nil {
			return fmt.Errorf("produce change batch: %w", err)
		}
		if err := p.offsets.Save(ctx, region, next); err != nil {
			return fmt.Errorf("save feed offset: %w", err)
		}
		cursor = next
	}
}

// feedEnvelope is the JSON wire format of one change record.
type feedEnvelope struct {
	Sequence      int64          `json:"sequence"`
	EntityTable   string         `json:"entity_table"`
	EntityID      string         `json:"entity_id"`
	Operation     string         `json:"operation"`
	OldValue      map[string]any `json:"old_value,omitempty"`
	NewValue      map[string]any `json:"new_value,omitempty"`
	ChangedAt     string         `json:"changed_at"`
	ChangedBy     string         `json:"changed_by"`
	SourceRegion  string         `json:"source_region"`
	TransactionID string         `json:"transaction_id"`
}

func (p *Publisher) encode(record *changelog.ChangeRecord) (*kgo.Record, error) {
	payload, err := json.Marshal(feedEnvelope{
		Sequence:      record.Sequence,
		EntityTable:   record.EntityTable,
		EntityID:      record.EntityID,
		Operation:     string(record.Operation),
		OldValue:      record.OldValue,
		NewValue:      record.NewValue,
		ChangedAt:     record.ChangedAt.Format(time.RFC3339Nano),
		ChangedBy:     record.ChangedBy,
		SourceRegion:  record.SourceRegion,
		TransactionID: record.TransactionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal change record: %w", err)
	}
	return &kgo.Record{
		Topic: fmt.Sprintf("%s.%s", p.topicPrefix, record.SourceRegion),
		Key:   []byte(fmt.Sprintf("%s:%s", record.EntityTable, record.EntityID)),
		Value: payload,
	}, nil
}
