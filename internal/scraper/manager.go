package scraper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgfeed/feedscraper/internal/models"
)

// errors
var (
	ErrAlreadyRunning = errors.New("a run is already active for this channel")
)

// RunKind distinguishes ingestion runs from media repair runs.
type RunKind string

const (
	RunKindIngest RunKind = "ingest"
	RunKindRepair RunKind = "repair"
)

// Run represents an active per-channel run.
type Run struct {
	ID        uuid.UUID     `json:"id"`
	ChannelID string        `json:"channel_id"`
	Kind      RunKind       `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Options   IngestOptions `json:"options"`
}

// Ingestor defines the coordination operations the manager delegates to.
type Ingestor interface {
	Ingest(ctx context.Context, channelID string, opts IngestOptions) (*models.Outcome, error)
	Repair(ctx context.Context, channelID string) (*RepairResult, error)
}

// Manager enforces a single writer per channel: at most one run may touch a
// channel's store and cursor at a time. Runs against distinct channels
// proceed concurrently.
type Manager struct {
	mu       sync.Mutex
	runs     map[string]*Run
	cancelFn map[string]context.CancelFunc
	ingestor Ingestor
}

// NewManager creates a run manager.
func NewManager(ingestor Ingestor) *Manager {
	return &Manager{
		runs:     make(map[string]*Run),
		cancelFn: make(map[string]context.CancelFunc),
		ingestor: ingestor,
	}
}

// StartIngest launches an ingestion run for a channel in the background.
// Returns ErrAlreadyRunning if the channel already has an active run.
func (m *Manager) StartIngest(_ context.Context, channelID string, opts IngestOptions) (*Run, error) {
	return m.start(channelID, RunKindIngest, opts)
}

// StartRepair launches a media reconciliation run in the background.
func (m *Manager) StartRepair(_ context.Context, channelID string) (*Run, error) {
	return m.start(channelID, RunKindRepair, IngestOptions{})
}

func (m *Manager) start(channelID string, kind RunKind, opts IngestOptions) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.runs[channelID]; busy {
		return nil, ErrAlreadyRunning
	}

	// IMPORTANT: Use background context, NOT the HTTP request context!
	// The HTTP request context gets canceled when the handler returns,
	// which would immediately cancel our run. We create a new cancellable
	// context from Background() so the run continues after the HTTP
	// response is sent.
	runCtx, cancel := context.WithCancel(context.Background())

	run := &Run{
		ID:        uuid.New(),
		ChannelID: channelID,
		Kind:      kind,
		StartedAt: time.Now(),
		Options:   opts,
	}
	m.runs[channelID] = run
	m.cancelFn[channelID] = cancel

	go m.run(runCtx, run)

	return run, nil
}

// Stop cancels the active run for a channel, if any.
// Returns whether a run was active.
func (m *Manager) Stop(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, ok := m.cancelFn[channelID]
	if !ok {
		return false
	}
	cancel()
	// the run goroutine removes the map entries when it drains
	return true
}

// Active returns a snapshot of all active runs.
func (m *Manager) Active() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out
}

// ActiveFor returns the active run for a channel, or nil.
func (m *Manager) ActiveFor(channelID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[channelID]
	if !ok {
		return nil
	}
	snapshot := *r
	return &snapshot
}

// run executes a run in a goroutine and releases the channel slot when done.
func (m *Manager) run(ctx context.Context, run *Run) {
	defer func() {
		m.mu.Lock()
		if cur, ok := m.runs[run.ChannelID]; ok && cur.ID == run.ID {
			delete(m.runs, run.ChannelID)
			if cancel, ok := m.cancelFn[run.ChannelID]; ok {
				cancel()
				delete(m.cancelFn, run.ChannelID)
			}
		}
		m.mu.Unlock()
	}()

	switch run.Kind {
	case RunKindRepair:
		_, _ = m.ingestor.Repair(ctx, run.ChannelID)
	default:
		_, _ = m.ingestor.Ingest(ctx, run.ChannelID, run.Options)
		// errors are logged inside Ingest
	}
}
