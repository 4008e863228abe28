package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mcphub-dev/mcphub/internal/upstream"

	"go.uber.org/zap"
)

// Document is one entry in the index: a qualified tool's searchable
// metadata. ID is the qualified name (serverName+separator+toolName),
// matching the qualified names RequestDispatcher hands out to clients.
type Document struct {
	ID            string
	ServerName    string
	ToolName      string
	Description   string
	SchemaSummary string
}

// SearchHit is one scored match, with Score normalized into 0..1 against
// the best-scoring hit in the same result set.
type SearchHit struct {
	ID          string
	ServerName  string
	ToolName    string
	Description string
	Score       float64
}

// scoreThreshold is spec.md §4.4's smart-routing cutoff: drop matches
// scoring below this unless the caller asked for at most one result, in
// which case the single best match is always returned.
const scoreThreshold = 0.25

// Manager is the VectorIndex component (spec.md §4.4): a similarity-search
// catalog over every enabled tool, rebuilt whenever UpstreamRegistry's
// catalog changes and queried by the search_tools smart-routing meta-tool.
type Manager struct {
	bleve  *BleveIndex
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager opens (or creates) the on-disk index under dataDir.
func NewManager(dataDir string, logger *zap.Logger) (*Manager, error) {
	b, err := NewBleveIndex(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("index: new manager: %w", err)
	}
	return &Manager{bleve: b, logger: logger}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bleve == nil {
		return nil
	}
	err := m.bleve.Close()
	m.bleve = nil
	return err
}

// Available reports whether the search backend can serve queries. When
// it cannot, RequestDispatcher disables smart routing at the scope level
// and falls back to full catalog listing (spec.md §4.4).
func (m *Manager) Available() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bleve != nil
}

// errClosed is returned by every operation after Close.
var errClosed = fmt.Errorf("index: backend is closed")

// Upsert indexes (or re-indexes) a single tool document.
func (m *Manager) Upsert(doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bleve == nil {
		return errClosed
	}
	return m.bleve.upsert(doc)
}

// Delete removes a tool document by its qualified id.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bleve == nil {
		return errClosed
	}
	return m.bleve.delete(id)
}

// Rebuild replaces the entire index with the given catalog snapshot.
// Called whenever UpstreamRegistry's tool catalog changes: a server
// connects/disconnects, or a tool is toggled on/off. Grounded on the
// teacher's DeleteServerTools+BatchIndex pairing, generalized to a
// full-catalog diff since SPEC_FULL.md's smart routing needs the index
// to always reflect exactly the currently-enabled tool set, not just one
// server's slice of it.
func (m *Manager) Rebuild(tools []upstream.QualifiedTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bleve == nil {
		return errClosed
	}

	existing, err := m.bleve.allIDs()
	if err != nil {
		return fmt.Errorf("index: rebuild: list existing: %w", err)
	}

	wanted := make(map[string]upstream.QualifiedTool, len(tools))
	for _, t := range tools {
		wanted[t.Qualified] = t
	}

	for _, id := range existing {
		if _, ok := wanted[id]; !ok {
			if err := m.bleve.delete(id); err != nil {
				return fmt.Errorf("index: rebuild: delete stale %q: %w", id, err)
			}
		}
	}

	for _, t := range tools {
		doc := Document{
			ID:            t.Qualified,
			ServerName:    t.ServerName,
			ToolName:      t.ToolName,
			Description:   t.Description,
			SchemaSummary: summarizeSchema(t.InputSchema),
		}
		if err := m.bleve.upsert(doc); err != nil {
			return fmt.Errorf("index: rebuild: upsert %q: %w", t.Qualified, err)
		}
	}

	m.logger.Debug("index rebuilt", zap.Int("tool_count", len(tools)))
	return nil
}

// Search runs a smart-routing query, optionally narrowed to a set of
// server names (derived from the requesting session's RoutingScope). Per
// spec.md §4.4, results below scoreThreshold are dropped unless k<=1, in
// which case the single best hit is always returned so search_tools never
// reports "no match" for an empty index query typo.
func (m *Manager) Search(query string, k int, servers []string) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bleve == nil {
		return nil, errClosed
	}

	hits, err := m.bleve.searchRaw(query, k, servers)
	if err != nil {
		return nil, err
	}

	if k <= 1 {
		if len(hits) > 1 {
			hits = hits[:1]
		}
		return hits, nil
	}

	filtered := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= scoreThreshold {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// Count returns the number of indexed documents.
func (m *Manager) Count() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.bleve == nil {
		return 0, errClosed
	}
	return m.bleve.index.DocCount()
}

func summarizeSchema(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ""
	}
	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}
