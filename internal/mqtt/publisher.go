package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
)

// Publisher sends analysis events as JSON to <topic>/<device>. Events of
// recordings without a device go to <topic>/unassigned.
type Publisher struct {
	client Client
	topic  string
	log    logger.Logger
}

var _ analysis.EventPublisher = (*Publisher)(nil)

func NewPublisher(c Client, topic string) *Publisher {
	return &Publisher{
		client: c,
		topic:  strings.TrimSuffix(topic, "/"),
		log:    logger.Global().Module("mqtt").Module("publisher"),
	}
}

// Start connects to the broker. A failed first connection is logged and
// retried lazily on the next publish.
func (p *Publisher) Start(ctx context.Context) {
	if err := p.client.Connect(ctx); err != nil {
		p.log.Warn("initial MQTT connection failed", logger.Error(err))
	}
}

func (p *Publisher) PublishAnalysis(ctx context.Context, ev *analysis.Event) error {
	if ev == nil {
		return errors.NewStd("nil analysis event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("recording_id", ev.RecordingID).
			Build()
	}

	if !p.client.IsConnected() {
		if err := p.client.Connect(ctx); err != nil {
			return err
		}
	}

	topic := p.Topic(ev.DeviceID)
	if err := p.client.Publish(ctx, topic, payload); err != nil {
		return err
	}
	p.log.Debug("analysis event published",
		logger.String("topic", topic),
		logger.String("recording_id", ev.RecordingID))
	return nil
}

// Topic returns the topic for events of deviceID.
func (p *Publisher) Topic(deviceID string) string {
	if deviceID == "" {
		deviceID = "unassigned"
	}
	return p.topic + "/" + deviceID
}

func (p *Publisher) Close() {
	p.client.Disconnect()
}
