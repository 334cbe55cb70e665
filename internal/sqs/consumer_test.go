package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/billing"
)

type fakeQueue struct {
	messages   []types.Message
	receiveErr error
	deleted    []string
}

func (f *fakeQueue) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeApplier struct {
	applied []billing.Event
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, e billing.Event, source string) error {
	if source != billing.SourceQueue {
		return errors.New("wrong source")
	}
	if f.err != nil {
		return f.err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	f.applied = append(f.applied, e)
	return nil
}

func msg(handle, body string) types.Message {
	return types.Message{
		MessageId:     aws.String("id-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

func TestPoll(t *testing.T) {
	const tenant = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	tests := []struct {
		name        string
		body        string
		applyErr    error
		wantApplied int
		wantDeleted bool
	}{
		{"valid_event", `{"id":"evt_1","type":"subscription.expired","tenant_id":"` + tenant + `"}`, nil, 1, true},
		{"undecodable", `not json`, nil, 0, true},
		{"invalid_event", `{"id":"evt_2","type":"subscription.paused","tenant_id":"` + tenant + `"}`, nil, 0, true},
		{"store_down", `{"id":"evt_3","type":"subscription.canceled","tenant_id":"` + tenant + `"}`, errors.New("db down"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{messages: []types.Message{msg("h1", tt.body)}}
			a := &fakeApplier{err: tt.applyErr}
			c := NewConsumerWithClient(q, "https://sqs.local/billing", a, zap.NewNop())

			n, err := c.Poll(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != 1 {
				t.Errorf("received = %d, want 1", n)
			}
			if len(a.applied) != tt.wantApplied {
				t.Errorf("applied = %d, want %d", len(a.applied), tt.wantApplied)
			}
			if (len(q.deleted) == 1) != tt.wantDeleted {
				t.Errorf("deleted = %v, want deleted=%v", q.deleted, tt.wantDeleted)
			}
		})
	}
}

func TestPoll_ReceiveError(t *testing.T) {
	q := &fakeQueue{receiveErr: errors.New("throttled")}
	c := NewConsumerWithClient(q, "https://sqs.local/billing", &fakeApplier{}, zap.NewNop())

	if _, err := c.Poll(context.Background()); err == nil {
		t.Error("expected receive error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConsumerWithClient(&fakeQueue{}, "https://sqs.local/billing", &fakeApplier{}, zap.NewNop())
	if err := c.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
}
