package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/scranton_puts/internal/models"
)

// ledgerData is the on-disk document.
type ledgerData struct {
	LastUpdated time.Time `json:"last_updated"`
	Entries     []Entry   `json:"entries"`
}

// JSONLedger keeps staged trades in a JSON file, rewritten atomically on
// every change. Only entries in its account scope count towards committed
// margin.
type JSONLedger struct {
	now      func() time.Time
	newID    func() string
	data     *ledgerData
	filepath string
	scope    string
	mu       sync.RWMutex
}

// NewJSONLedger opens (or creates on first save) the ledger at path.
func NewJSONLedger(path, accountScope string) (*JSONLedger, error) {
	l := &JSONLedger{
		filepath: path,
		scope:    accountScope,
		data:     &ledgerData{Entries: []Entry{}},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}

	if _, err := os.Stat(path); err == nil {
		if err := l.Load(); err != nil {
			return nil, fmt.Errorf("loading ledger: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking ledger file: %w", err)
	}

	return l, nil
}

// Load reads the ledger file, replacing in-memory state.
func (l *JSONLedger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.filepath)
	if err != nil {
		return err
	}

	data := &ledgerData{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrLedgerCorrupt, l.filepath, err)
		}
	}
	if data.Entries == nil {
		data.Entries = []Entry{}
	}
	l.data = data
	return nil
}

// save writes the ledger atomically. Caller must hold the write lock.
func (l *JSONLedger) save() error {
	l.data.LastUpdated = l.now()

	raw, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(l.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	// Write to temp file first
	tmpFile := l.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpFile, l.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}
	return nil
}

// CommittedMargin sums total margin and counts entries in a committed status
// within the ledger's account scope.
func (l *JSONLedger) CommittedMargin(ctx context.Context) (float64, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	total, count := summarize(l.data.Entries, l.scope)
	return total, count, nil
}

// Stage appends every selected trade of plan as a staged entry.
func (l *JSONLedger) Stage(ctx context.Context, plan *models.PortfolioPlan) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan == nil || plan.Fatal || len(plan.Trades) == 0 {
		return []Entry{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	added := make([]Entry, 0, len(plan.Trades))
	for _, t := range plan.Trades {
		added = append(added, Entry{
			ID:                l.newID(),
			CreatedAt:         now,
			UpdatedAt:         now,
			AccountScope:      l.scope,
			Status:            StatusStaged,
			Symbol:            t.Symbol,
			Sector:            t.Sector,
			Strike:            t.Strike,
			Expiration:        t.Expiration,
			Contracts:         t.Contracts,
			LimitPrice:        t.SuggestedLimit,
			MarginPerContract: t.MarginPerContract,
			MarginSource:      t.MarginSource,
			TotalMargin:       t.TotalMargin,
			TotalPremium:      t.TotalPremium,
			PortfolioRank:     t.PortfolioRank,
		})
	}

	prev := l.data.Entries
	l.data.Entries = append(append([]Entry{}, prev...), added...)
	if err := l.save(); err != nil {
		l.data.Entries = prev
		return nil, fmt.Errorf("saving ledger: %w", err)
	}
	return added, nil
}

// UpdateStatus moves an entry to a new status if the lifecycle allows it.
func (l *JSONLedger) UpdateStatus(ctx context.Context, id string, to Status, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.data.Entries {
		if l.data.Entries[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	entry := l.data.Entries[idx]
	if !CanTransition(entry.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
	}

	prev := entry
	entry.Status = to
	entry.StatusReason = reason
	entry.UpdatedAt = l.now()
	l.data.Entries[idx] = entry

	if err := l.save(); err != nil {
		l.data.Entries[idx] = prev
		return fmt.Errorf("saving ledger: %w", err)
	}
	return nil
}

// Entries returns a copy of all entries, oldest first.
func (l *JSONLedger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.data.Entries))
	copy(out, l.data.Entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// summarize totals committed entries for scope. An empty scope matches all.
func summarize(entries []Entry, scope string) (float64, int) {
	total := 0.0
	count := 0
	for _, e := range entries {
		if scope != "" && e.AccountScope != scope {
			continue
		}
		if !e.Status.IsCommitted() {
			continue
		}
		total += e.TotalMargin
		count++
	}
	return total, count
}
