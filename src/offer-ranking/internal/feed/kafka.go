// Package feed consumes behavioral facts and offer changes from Kafka.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fixzit/marketplace/src/offer-ranking/internal/model"
	"github.com/fixzit/marketplace/src/offer-ranking/internal/service"
)

// Offer-change message types on the offers topic.
const (
	OfferUpserted      = "offer.upserted"
	OfferRemoved       = "offer.removed"
	CatalogItemChanged = "catalog_item.changed"
)

var errPoison = errors.New("undecodable message")

// OfferChange is one message on the offers topic.
type OfferChange struct {
	Type          string       `json:"type"`
	Offer         *model.Offer `json:"offer,omitempty"`
	OfferID       string       `json:"offer_id,omitempty"`
	CatalogItemID string       `json:"catalog_item_id,omitempty"`
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Offers interface {
	UpsertOffer(ctx context.Context, o model.Offer) (bool, error)
	RemoveOffer(ctx context.Context, offerID string) (bool, error)
}

type Trigger interface {
	TriggerItems(ctx context.Context, reason string, itemIDs ...string)
}

type Metrics interface {
	FactsIngested(ctx context.Context, accepted, duplicates, rejected int)
}

type Topics struct {
	Facts  string
	Offers string
}

// Consumer applies each message before committing its offset, so a crash
// replays at most the in-flight message. Fact and offer handling are both
// idempotent.
type Consumer struct {
	reader  MessageReader
	topics  Topics
	agg     service.Aggregator
	offers  Offers
	trigger Trigger
	metrics Metrics
	backoff time.Duration
}

func NewReader(brokers []string, groupID string, topics Topics) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		GroupTopics: []string{topics.Facts, topics.Offers},
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
}

func NewConsumer(r MessageReader, topics Topics, agg service.Aggregator, offers Offers, trigger Trigger) *Consumer {
	return &Consumer{
		reader:  r,
		topics:  topics,
		agg:     agg,
		offers:  offers,
		trigger: trigger,
		backoff: time.Second,
	}
}

func (c *Consumer) WithMetrics(m Metrics) *Consumer {
	c.metrics = m
	return c
}

// Run reads until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	slog.InfoContext(ctx, "feed_consumer_started", "facts_topic", c.topics.Facts, "offers_topic", c.topics.Offers)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.WarnContext(ctx, "feed_fetch_failed", "error", err)
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		// Retry storage failures in place; skipping would lose the message
		// once a later offset is committed.
		for {
			err = c.handle(ctx, msg)
			if err == nil || errors.Is(err, errPoison) {
				break
			}
			slog.ErrorContext(ctx, "feed_message_failed",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			if !c.sleep(ctx) {
				return nil
			}
		}
		if errors.Is(err, errPoison) {
			slog.WarnContext(ctx, "feed_message_skipped",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.WarnContext(ctx, "feed_commit_failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case c.topics.Facts:
		return c.handleFact(ctx, msg.Value)
	case c.topics.Offers:
		return c.handleOfferChange(ctx, msg.Value)
	default:
		return fmt.Errorf("%w: unexpected topic %q", errPoison, msg.Topic)
	}
}

func (c *Consumer) handleFact(ctx context.Context, body []byte) error {
	var fact model.BehavioralFact
	if err := json.Unmarshal(body, &fact); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	res, err := service.IngestFacts(ctx, c.agg, []model.BehavioralFact{fact})
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.FactsIngested(ctx, res.Accepted, res.Duplicates, len(res.Rejected))
	}
	return nil
}

func (c *Consumer) handleOfferChange(ctx context.Context, body []byte) error {
	var change OfferChange
	if err := json.Unmarshal(body, &change); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}

	var err error
	switch change.Type {
	case OfferUpserted:
		if change.Offer == nil {
			return fmt.Errorf("%w: %s without offer", errPoison, change.Type)
		}
		_, err = c.offers.UpsertOffer(ctx, *change.Offer)
	case OfferRemoved:
		if change.OfferID == "" {
			return fmt.Errorf("%w: %s without offer_id", errPoison, change.Type)
		}
		_, err = c.offers.RemoveOffer(ctx, change.OfferID)
	case CatalogItemChanged:
		if change.CatalogItemID == "" {
			return fmt.Errorf("%w: %s without catalog_item_id", errPoison, change.Type)
		}
		c.trigger.TriggerItems(ctx, "catalog_item_changed", change.CatalogItemID)
	default:
		return fmt.Errorf("%w: unknown change type %q", errPoison, change.Type)
	}
	if errors.Is(err, service.ErrInvalidOffer) {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	return err
}
