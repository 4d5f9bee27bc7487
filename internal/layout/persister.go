// Package layout persists user-adjusted node positions per mission. Saves are
// debounced and go to an optional remote backend, always mirrored to a local
// file; every failure degrades to that file and is only logged.
package layout

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-livegraph/pkg/graphmodel"
)

// DefaultDebounce is the quiet period before a pending save is written.
const DefaultDebounce = 2 * time.Second

const writeTimeout = 10 * time.Second

// Persister debounces layout saves. It owns a single timer shared by all
// missions; each new Save restarts the quiet period.
type Persister struct {
	logger   *zap.Logger
	remote   Backend
	local    *FileBackend
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*graphmodel.Layout
	timer   *time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewPersister creates a persister. remote may be nil; local must not be.
func NewPersister(logger *zap.Logger, remote Backend, local *FileBackend, debounce time.Duration) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Persister{
		logger:   logger.Named("layout"),
		remote:   remote,
		local:    local,
		debounce: debounce,
		pending:  make(map[string]*graphmodel.Layout),
	}
}

// Save schedules l to be written after the debounce period. Later saves for
// the same mission replace earlier pending ones. It never blocks on I/O.
func (p *Persister) Save(missionID string, l *graphmodel.Layout) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending[missionID] = l.Clone()

	if p.timer != nil && p.timer.Stop() {
		p.timer.Reset(p.debounce)
		return
	}
	p.wg.Add(1)
	p.timer = time.AfterFunc(p.debounce, p.fire)
}

func (p *Persister) fire() {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	p.writePending(ctx)
}

// takePending swaps out the pending set.
func (p *Persister) takePending() map[string]*graphmodel.Layout {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = make(map[string]*graphmodel.Layout)
	return out
}

func (p *Persister) writePending(ctx context.Context) error {
	batch := p.takePending()
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		if err := p.write(ctx, id, batch[id]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// write sends l to the remote and then the local file. Only a local failure
// is returned; remote failures are logged.
func (p *Persister) write(ctx context.Context, missionID string, l *graphmodel.Layout) error {
	if p.remote != nil {
		if err := p.remote.Save(ctx, missionID, l); err != nil {
			p.logger.Warn("Remote layout save failed, keeping local copy.",
				zap.Error(&PersistenceError{Op: "save", Backend: p.remote.Name(), MissionID: missionID, Err: err}))
		}
	}
	if err := p.local.Save(ctx, missionID, l); err != nil {
		perr := &PersistenceError{Op: "save", Backend: p.local.Name(), MissionID: missionID, Err: err}
		p.logger.Warn("Local layout save failed.", zap.Error(perr))
		return perr
	}
	p.logger.Debug("Layout saved.", zap.String("mission_id", missionID), zap.Int("positions", len(l.Positions)))
	return nil
}

// Flush writes every pending layout now and cancels the debounce timer. The
// returned error is informational: it reports a failed local write.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil && p.timer.Stop() {
		p.wg.Done()
	}
	p.timer = nil
	p.mu.Unlock()
	return p.writePending(ctx)
}

// Load returns the saved layout for missionID: the remote copy when it
// answers, else the local file. It returns nil when neither has one.
func (p *Persister) Load(ctx context.Context, missionID string) *graphmodel.Layout {
	if p.remote != nil {
		l, err := p.remote.Load(ctx, missionID)
		if err == nil && l != nil {
			return l
		}
		if err != nil {
			p.logger.Warn("Remote layout load failed, using local copy.",
				zap.Error(&PersistenceError{Op: "load", Backend: p.remote.Name(), MissionID: missionID, Err: err}))
		}
	}
	l, err := p.local.Load(ctx, missionID)
	if err != nil {
		p.logger.Warn("Local layout load failed.",
			zap.Error(&PersistenceError{Op: "load", Backend: p.local.Name(), MissionID: missionID, Err: err}))
		return nil
	}
	return l
}

// Close flushes pending saves, waits for an in-flight timer write and
// rejects further saves.
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	err := p.Flush(ctx)
	p.wg.Wait()
	return err
}

// MergePositions keeps the saved positions whose ids are still present.
// Ids without a saved position are left for automatic layout.
func MergePositions(saved graphmodel.Positions, currentIDs []string) graphmodel.Positions {
	out := make(graphmodel.Positions, len(currentIDs))
	for _, id := range currentIDs {
		if pos, ok := saved[id]; ok {
			out[id] = pos
		}
	}
	return out
}
