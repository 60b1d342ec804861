package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestMemorySink_RecordsFailures(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	failure := Failure{
		Account:  "acct",
		Site:     "https://example.com/",
		Date:     "2024-05-01",
		Offset:   25000,
		Error:    "sub-request failed with status 500",
		FailedAt: time.Now(),
	}

	if err := sink.Record(ctx, failure); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	failures := sink.Failures()
	if len(failures) != 1 {
		t.Fatalf("Failures() = %d records, want 1", len(failures))
	}
	if failures[0].Date != "2024-05-01" || failures[0].Offset != 25000 {
		t.Errorf("Recorded failure = %+v", failures[0])
	}
}

// fakeKafkaWriter captures published messages.
type fakeKafkaWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSink_PublishesKeyedByDate(t *testing.T) {
	writer := &fakeKafkaWriter{}
	sink := NewKafkaSinkWithWriter(writer)

	failure := Failure{Account: "acct", Date: "2024-05-02", Error: "boom"}
	if err := sink.Record(context.Background(), failure); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("Messages = %d, want 1", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "2024-05-02" {
		t.Errorf("Key = %q, want date", msg.Key)
	}

	var decoded Failure
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if decoded.Error != "boom" {
		t.Errorf("Payload error = %q, want boom", decoded.Error)
	}
}

func TestKafkaSink_PropagatesWriteError(t *testing.T) {
	writer := &fakeKafkaWriter{err: errors.New("broker down")}
	sink := NewKafkaSinkWithWriter(writer)

	if err := sink.Record(context.Background(), Failure{Date: "2024-05-03"}); err == nil {
		t.Fatal("Expected error from failing writer")
	}
}
