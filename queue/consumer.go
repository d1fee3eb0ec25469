// Package queue lets other systems trigger processing over Kafka. A message
// names a video to process out of schedule, or nothing to run the next
// pending one.
package queue

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"
)

// TriggerMessage is the wire format on the trigger topic. An empty VideoID
// means "run the next pending video".
type TriggerMessage struct {
	VideoID string `json:"video_id,omitempty"`
}

// Trigger is what a consumed message drives. Implemented by the coordinator
// and scheduler pair wired in main.
type Trigger interface {
	ProcessByID(ctx context.Context, id string) error
	TriggerNow(ctx context.Context)
}

// Consumer reads trigger messages from a Kafka consumer group. It is
// optional: the pipeline runs fine on the scheduler alone.
type Consumer struct {
	group   sarama.ConsumerGroup
	trigger Trigger
	topic   string
	groupID string
	ready   chan struct{}
}

// Config holds the Kafka connection settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewConsumer connects a consumer group for the trigger topic.
func NewConsumer(cfg Config, trigger Trigger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group:   group,
		trigger: trigger,
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		ready:   make(chan struct{}),
	}, nil
}

// Start begins consuming. It returns once the group session is established.
func (c *Consumer) Start(ctx context.Context) error {
	handler := &sessionHandler{consumer: c, ready: c.ready}

	go func() {
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
				if err == context.Canceled {
					return
				}
				log.Printf("Kafka consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
			handler.ready = make(chan struct{})
		}
	}()

	<-c.ready
	log.Printf("Kafka trigger consumer started (group %s, topic %s)", c.groupID, c.topic)

	go func() {
		for err := range c.group.Errors() {
			log.Printf("Kafka consumer error: %v", err)
		}
	}()

	return nil
}

// Close shuts the consumer group down.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// handleMessage dispatches one trigger. Malformed messages are marked and
// dropped; trigger errors are logged but still marked, since replaying a
// trigger would only re-run the same failing video.
func (c *Consumer) handleMessage(ctx context.Context, value []byte) {
	var msg TriggerMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		log.Printf("Dropping malformed trigger message: %v", err)
		return
	}

	if msg.VideoID == "" {
		log.Println("Trigger message: run next pending video")
		c.trigger.TriggerNow(ctx)
		return
	}

	log.Printf("Trigger message: process video %s", msg.VideoID)
	if err := c.trigger.ProcessByID(ctx, msg.VideoID); err != nil {
		log.Printf("Triggered processing of %s failed: %v", msg.VideoID, err)
	}
}

// sessionHandler implements sarama.ConsumerGroupHandler.
type sessionHandler struct {
	consumer *Consumer
	ready    chan struct{}
}

func (h *sessionHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

func (h *sessionHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *sessionHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.consumer.handleMessage(session.Context(), message.Value)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
