package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// Routing keys on the results exchange
const (
	RoutingDataset = "agena.dataset.calculated"
	RoutingRun     = "agena.run.finished"
)

// AMQP publishes each result to a topic exchange
type AMQP struct {
	mu       sync.Mutex // amqp.Channel is not safe for concurrent publishing
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQP connects to the broker and declares the exchange
func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQP{conn: conn, channel: ch, exchange: exchange}, nil
}

// datasetMessage is the body published per calculated dataset
type datasetMessage struct {
	RunID     string            `json:"runId"`
	DatasetID string            `json:"id"`
	Results   []json.RawMessage `json:"results"`
	TsUTC     string            `json:"ts_utc"`
}

// Store publishes one calculated dataset
func (a *AMQP) Store(ctx context.Context, runID string, ds *model.CalculatedDataset) error {
	return a.publish(ctx, RoutingDataset, datasetMessage{
		RunID:     runID,
		DatasetID: ds.ID,
		Results:   ds.Results,
		TsUTC:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RecordRun publishes the run's report without its results
func (a *AMQP) RecordRun(ctx context.Context, rep *batch.Report) error {
	summary := *rep
	summary.Results = nil
	return a.publish(ctx, RoutingRun, summary)
}

func (a *AMQP) publish(ctx context.Context, routingKey string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel.Publish(
		a.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close closes the channel and the connection
func (a *AMQP) Close() error {
	var first error
	if a.channel != nil {
		first = a.channel.Close()
	}
	if a.conn != nil {
		if err := a.conn.Close(); first == nil {
			first = err
		}
	}
	return first
}
