package publisher

import (
	"context"
	"fmt"

	"github.com/tgfeed/feedscraper/internal/scraper"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSPublisher implements scraper.EventPublisher
type NATSPublisher struct {
	js NATSClient
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(client NATSClient) *NATSPublisher {
	return &NATSPublisher{js: client}
}

// PublishRecords publishes a flushed batch of records.
func (p *NATSPublisher) PublishRecords(ctx context.Context, event scraper.RecordsEvent) error {
	subject := fmt.Sprintf("feed.records.%s", event.ChannelID)
	if err := p.js.Publish(ctx, subject, event); err != nil {
		return fmt.Errorf("publish records event: %w", err)
	}
	return nil
}

// PublishRun publishes a finished run outcome.
func (p *NATSPublisher) PublishRun(ctx context.Context, event scraper.RunEvent) error {
	if err := p.js.Publish(ctx, "feed.runs", event); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}
