package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestNoopPublisher(t *testing.T) {
	publisher := NoopPublisher{}

	event := NewEvent(TypeExecutionStarted, uuid.NewString(), map[string]interface{}{
		"subscription_id": "sub-1",
	})

	// Should always return nil without any side effects
	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Errorf("Expected no error from NoopPublisher, got: %v", err)
	}
}

func TestKafkaPublisherSendsKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	publisher := NewKafkaPublisherWithProducer(producer, "dunning.events", zap.NewNop())

	aggregate := uuid.NewString()
	event := NewEvent(TypeActionExecuted, aggregate, map[string]interface{}{
		"action_type": "email",
		"step_number": 0,
	})

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != aggregate {
			t.Errorf("message key = %s, want %s", key, aggregate)
		}

		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded Event
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Type != TypeActionExecuted {
			t.Errorf("event type = %s, want %s", decoded.Type, TypeActionExecuted)
		}
		return nil
	})

	if err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestKafkaPublisherPropagatesBrokerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	publisher := NewKafkaPublisherWithProducer(producer, "dunning.events", zap.NewNop())

	brokenPipe := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(brokenPipe)

	event := NewEvent(TypeExecutionFailed, uuid.NewString(), nil)
	if err := publisher.Publish(context.Background(), event); !errors.Is(err, brokenPipe) {
		t.Errorf("expected broker error, got %v", err)
	}
	publisher.Close()
}

func TestPublisherInterface(t *testing.T) {
	var _ Publisher = NoopPublisher{}
	var _ Publisher = &KafkaPublisher{}
}
