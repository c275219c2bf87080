package accounts

import (
	"context"
	"sync"

	"github.com/nimburion/mailqueue/pkg/email"
	"github.com/nimburion/mailqueue/pkg/jobs"
)

type recordingMailer struct {
	mu   sync.Mutex
	err  error
	sent []email.Message
}

func (m *recordingMailer) Send(_ context.Context, message email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, message)
	return m.err
}

func (m *recordingMailer) Close() error {
	return nil
}

func (m *recordingMailer) messages() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message{}, m.sent...)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	err      error
	payloads []jobs.Payload
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, payload jobs.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, payload)
	return "job-1", nil
}

// idRecorder remembers the ids returned by a real producer.
type idRecorder struct {
	Enqueuer
	mu  sync.Mutex
	ids []string
}

func (r *idRecorder) Enqueue(ctx context.Context, payload jobs.Payload) (string, error) {
	id, err := r.Enqueuer.Enqueue(ctx, payload)
	if err == nil {
		r.mu.Lock()
		r.ids = append(r.ids, id)
		r.mu.Unlock()
	}
	return id, err
}

func (r *idRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[len(r.ids)-1]
}
