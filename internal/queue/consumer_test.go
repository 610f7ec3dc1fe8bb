package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"filbeam-backend/internal/config"
	"filbeam-backend/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		QueuePollInterval: 10 * time.Millisecond,
		QueueLease:        5 * time.Minute,
		QueueMaxAttempts:  20,
	}
}

type failCall struct {
	id          string
	attempt     int
	maxAttempts int
	errMessage  string
}

type fakeQueueStore struct {
	messages []*models.QueueMessage
	claimErr error

	completed []string
	failed    []failCall
	reclaimed int64
}

func (f *fakeQueueStore) ClaimNextMessage(_ context.Context, _ time.Duration) (*models.QueueMessage, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.messages) == 0 {
		return nil, nil
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeQueueStore) CompleteMessage(_ context.Context, id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeQueueStore) FailMessage(_ context.Context, id string, attempt, maxAttempts int, errMessage string) error {
	f.failed = append(f.failed, failCall{id: id, attempt: attempt, maxAttempts: maxAttempts, errMessage: errMessage})
	return nil
}

func (f *fakeQueueStore) ReclaimExpiredMessages(context.Context) (int64, error) {
	return f.reclaimed, nil
}

func message(id, msgType, payload string) *models.QueueMessage {
	return &models.QueueMessage{
		ID:      id,
		Type:    msgType,
		Payload: json.RawMessage(payload),
		Status:  models.QueueStatusActive,
		Attempt: 1,
	}
}

func TestRunOnceDispatches(t *testing.T) {
	st := &fakeQueueStore{messages: []*models.QueueMessage{
		message("m1", "transaction-confirmed", `{"transaction_hash":"0xaaa"}`),
	}}
	c := NewConsumer(st, testConfig())

	var got json.RawMessage
	c.Handle("transaction-confirmed", func(_ context.Context, payload json.RawMessage) error {
		got = payload
		return nil
	})

	claimed, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected a claim")
	}
	if string(got) != `{"transaction_hash":"0xaaa"}` {
		t.Errorf("handler payload = %s", got)
	}
	if len(st.completed) != 1 || st.completed[0] != "m1" {
		t.Errorf("completed = %v, want [m1]", st.completed)
	}
	if len(st.failed) != 0 {
		t.Errorf("failed = %v", st.failed)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	c := NewConsumer(&fakeQueueStore{}, testConfig())
	claimed, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("nothing to claim")
	}
}

func TestRunOnceHandlerFailure(t *testing.T) {
	st := &fakeQueueStore{messages: []*models.QueueMessage{
		message("m1", "transaction-retry", `{}`),
	}}
	st.messages[0].Attempt = 4
	c := NewConsumer(st, testConfig())
	c.Handle("transaction-retry", func(context.Context, json.RawMessage) error {
		return errors.New("rpc down")
	})

	claimed, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected a claim")
	}
	if len(st.failed) != 1 {
		t.Fatalf("failed = %v", st.failed)
	}
	f := st.failed[0]
	if f.id != "m1" || f.attempt != 4 || f.maxAttempts != 20 || f.errMessage != "rpc down" {
		t.Errorf("fail call = %+v", f)
	}
	if len(st.completed) != 0 {
		t.Error("a failed message must not be completed")
	}
}

func TestRunOnceUnknownTypeAcked(t *testing.T) {
	st := &fakeQueueStore{messages: []*models.QueueMessage{
		message("m1", "no-such-type", `{}`),
	}}
	c := NewConsumer(st, testConfig())

	claimed, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected a claim")
	}
	if len(st.completed) != 1 {
		t.Error("unknown types are acked so they can never loop")
	}
	if len(st.failed) != 0 {
		t.Errorf("unknown types must not be failed, got %v", st.failed)
	}
}

func TestRunOnceClaimFailure(t *testing.T) {
	st := &fakeQueueStore{claimErr: errors.New("db down")}
	c := NewConsumer(st, testConfig())
	if _, err := c.RunOnce(context.Background()); err == nil {
		t.Fatal("claim failures must surface")
	}
}

func TestStartDrainsAndStops(t *testing.T) {
	st := &fakeQueueStore{messages: []*models.QueueMessage{
		message("m1", "t", `{}`),
		message("m2", "t", `{}`),
	}}
	c := NewConsumer(st, testConfig())
	var handled int
	c.Handle("t", func(context.Context, json.RawMessage) error {
		handled++
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	c.Start(ctx)

	if handled != 2 {
		t.Errorf("handled = %d, want both messages drained", handled)
	}
	if len(st.completed) != 2 {
		t.Errorf("completed = %v", st.completed)
	}
}
