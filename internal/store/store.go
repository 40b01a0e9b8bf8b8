package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"position-manager/internal/logger"
	"position-manager/internal/market"
)

// MarketState is everything persisted for one market.
type MarketState struct {
	Config   market.Config         `json:"config"`
	Position market.Position       `json:"position"`
	Orders   []market.TrackedOrder `json:"orders"`
}

// Document is the single state file. Every save rewrites it whole; partial
// updates are never persisted.
type Document struct {
	Markets   map[string]MarketState `json:"markets"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Save rewrites the full state document atomically (temp file + rename).
func (s *Store) Save(doc Document) error {
	if doc.Markets == nil {
		doc.Markets = make(map[string]MarketState)
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.statePath(), doc)
}

// Load reads the state document; a missing file is a clean first start.
func (s *Store) Load() (Document, bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, false, err
	}
	if doc.Markets == nil {
		doc.Markets = make(map[string]MarketState)
	}
	return doc, true, nil
}

// Snapshot collects the registry into a document ready to save.
func Snapshot(reg *market.Registry) Document {
	doc := Document{Markets: make(map[string]MarketState), UpdatedAt: time.Now().UTC()}
	for _, symbol := range reg.Symbols() {
		cfg, _ := reg.Config(symbol)
		pos, _ := reg.Position(symbol)
		doc.Markets[symbol] = MarketState{
			Config:   *cfg,
			Position: *pos,
			Orders:   reg.Orders(symbol),
		}
	}
	return doc
}

// Restore rebuilds a registry from a document. Markets that fail validation
// are skipped with a warning rather than poisoning the whole restart.
func Restore(reg *market.Registry, doc Document) {
	for symbol, st := range doc.Markets {
		if err := reg.Add(symbol, st.Config); err != nil {
			logger.Event("store_restore_skip").WithField("market", symbol).
				WithField("error", err.Error()).Warn("skipping persisted market")
			continue
		}
		if pos, ok := reg.Position(symbol); ok {
			*pos = st.Position
		}
		for _, ord := range st.Orders {
			ord.Market = symbol
			if err := reg.Track(ord); err != nil {
				logger.Event("store_restore_skip").WithField("market", symbol).
					WithField("order", ord.ID).Warn("skipping persisted order")
			}
		}
	}
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, "state.json")
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path)
	return nil
}

func fsyncDirBestEffort(dir, path string) {
	// Directory fsync improves rename durability across crashes; failure is
	// logged, not fatal.
	d, err := os.Open(dir)
	if err != nil {
		logger.Event("store_dir_fsync_skipped").WithField("dir", dir).
			WithField("target", path).Warn(err.Error())
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logger.Event("store_dir_fsync_failed").WithField("dir", dir).
			WithField("target", path).Warn(err.Error())
	}
}
