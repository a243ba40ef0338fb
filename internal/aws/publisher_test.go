package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestPublisherSend(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/queue")

	err := p.Send(context.Background(), `{"purchase_id":"p1"}`, map[string]string{"purchase_id": "p1", "reason": "retry"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.inputs))
	}
	in := mock.inputs[0]
	if *in.QueueUrl != "https://sqs.local/queue" {
		t.Fatalf("queue url mismatch: %s", *in.QueueUrl)
	}
	attr, ok := in.MessageAttributes["purchase_id"]
	if !ok || *attr.StringValue != "p1" {
		t.Fatalf("purchase_id attribute missing or wrong: %+v", attr)
	}
	// each attribute must keep its own value
	if *in.MessageAttributes["reason"].StringValue != "retry" {
		t.Fatalf("reason attribute mismatch")
	}
}

func TestPublisherSend_Errors(t *testing.T) {
	p := NewPublisher(&mockSQS{}, "")
	if err := p.Send(context.Background(), "{}", nil); err == nil {
		t.Fatal("expected error for empty queue url")
	}

	p = NewPublisher(&mockSQS{err: errors.New("boom")}, "q")
	if err := p.Send(context.Background(), "{}", nil); err == nil {
		t.Fatal("expected error from sqs client")
	}
}

func TestPublisherSend_FIFO(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/retries.fifo")

	body := `{"purchase_id":"p1"}`
	if err := p.Send(context.Background(), body, map[string]string{GroupAttribute: "p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Send(context.Background(), body, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, second := mock.inputs[0], mock.inputs[1]
	if first.MessageGroupId == nil || *first.MessageGroupId != "p1" {
		t.Fatalf("group id = %v, want p1", first.MessageGroupId)
	}
	if second.MessageGroupId == nil || *second.MessageGroupId != "default" {
		t.Fatalf("fallback group id = %v", second.MessageGroupId)
	}
	if *first.MessageDeduplicationId != *second.MessageDeduplicationId {
		t.Fatalf("same body must produce the same deduplication id")
	}

	std := &mockSQS{}
	if err := NewPublisher(std, "https://sqs.local/retries").Send(context.Background(), body, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if std.inputs[0].MessageGroupId != nil || std.inputs[0].MessageDeduplicationId != nil {
		t.Fatalf("standard queue must not set FIFO fields")
	}
}
