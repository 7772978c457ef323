package emergence

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sgerhart/swarmgate/internal/bus"
	"github.com/sgerhart/swarmgate/internal/model"
)

// Recorder accumulates a run's history from the bus: the unified finding
// view plus the action record subject. One recorder per run; the captured
// history feeds Validate.
type Recorder struct {
	receiver *bus.Receiver

	mu       sync.Mutex
	findings []*model.Finding
	actions  []*model.AgentAction
	subs     []bus.Subscription
}

// NewRecorder creates an idle recorder.
func NewRecorder(receiver *bus.Receiver) *Recorder {
	return &Recorder{receiver: receiver}
}

// Start subscribes to the unified finding view and the action record.
func (r *Recorder) Start(b bus.Bus) error {
	fsub, err := b.Subscribe(bus.SubjectFindingsAll, func(subject string, data []byte) {
		f, err := r.receiver.DecodeFinding(subject, data)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.findings = append(r.findings, f)
		r.mu.Unlock()
	})
	if err != nil {
		return err
	}
	asub, err := b.Subscribe(bus.SubjectActions, func(subject string, data []byte) {
		a, err := r.receiver.DecodeAction(subject, data)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.actions = append(r.actions, a)
		r.mu.Unlock()
	})
	if err != nil {
		fsub.Unsubscribe()
		return err
	}
	r.subs = []bus.Subscription{fsub, asub}
	return nil
}

// Stop tears down the subscriptions.
func (r *Recorder) Stop() {
	for _, s := range r.subs {
		s.Unsubscribe()
	}
	r.subs = nil
}

// History returns the captured run history.
func (r *Recorder) History() *History {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &History{
		Findings: make([]*model.Finding, len(r.findings)),
		Actions:  make([]*model.AgentAction, len(r.actions)),
	}
	copy(h.Findings, r.findings)
	copy(h.Actions, r.actions)
	return h
}

// LoadHistory reads a history file written by a previous run.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", path, err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return &h, nil
}

// SaveHistory writes the history as a test artifact for later validation.
func SaveHistory(h *History, path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history %s: %w", path, err)
	}
	return nil
}
