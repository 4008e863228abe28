// Package index implements the VectorIndex component (spec.md §4.4): a
// similarity-search catalog of every enabled tool's description, queried
// by RequestDispatcher's smart-routing scopes. Grounded on the teacher's
// internal/index (bleve.go, manager.go): bleve's BM25 full-text scoring
// stands in for the abstract spec's "similarity-search backend" exactly
// the way the teacher uses it, via the same Upsert/Search/Delete shape
// spec.md §4.4 documents so a future embedding-vector backend could be
// swapped in without touching RequestDispatcher.
package index

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// toolDocument is the indexed representation of one QualifiedTool: its
// name, owning server, description and a flattened input-schema summary,
// concatenated into SearchableText per spec.md §4.4 ("description + name
// + inputSchema summary").
type toolDocument struct {
	ToolName       string `json:"tool_name"`
	Qualified      string `json:"qualified"`
	ServerName     string `json:"server_name"`
	Description    string `json:"description"`
	SchemaSummary  string `json:"schema_summary"`
	SearchableText string `json:"searchable_text"`
}

// BleveIndex wraps a single Bleve index instance, mapped for tool search.
type BleveIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndex opens the on-disk index at <dataDir>/index.bleve, creating
// it with the tool mapping if it doesn't already exist.
func NewBleveIndex(dataDir string, logger *zap.Logger) (*BleveIndex, error) {
	indexPath := filepath.Join(dataDir, "index.bleve")

	idx, err := bleve.Open(indexPath)
	if err != nil {
		logger.Info("creating new bleve index", zap.String("path", indexPath))
		idx, err = createBleveIndex(indexPath)
		if err != nil {
			return nil, fmt.Errorf("index: create bleve index: %w", err)
		}
	} else {
		logger.Info("opened existing bleve index", zap.String("path", indexPath))
	}

	return &BleveIndex{index: idx, logger: logger}, nil
}

func createBleveIndex(indexPath string) (bleve.Index, error) {
	indexMapping := bleve.NewIndexMapping()
	toolMapping := bleve.NewDocumentMapping()

	toolNameField := bleve.NewTextFieldMapping()
	toolNameField.Analyzer = keyword.Name
	toolNameField.Store = true
	toolMapping.AddFieldMappingsAt("tool_name", toolNameField)

	qualifiedField := bleve.NewTextFieldMapping()
	qualifiedField.Analyzer = keyword.Name
	qualifiedField.Store = true
	toolMapping.AddFieldMappingsAt("qualified", qualifiedField)

	serverNameField := bleve.NewTextFieldMapping()
	serverNameField.Analyzer = keyword.Name
	serverNameField.Store = true
	toolMapping.AddFieldMappingsAt("server_name", serverNameField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	schemaField := bleve.NewTextFieldMapping()
	schemaField.Analyzer = standard.Name
	schemaField.Store = true
	toolMapping.AddFieldMappingsAt("schema_summary", schemaField)

	searchableField := bleve.NewTextFieldMapping()
	searchableField.Analyzer = standard.Name
	searchableField.Store = false
	toolMapping.AddFieldMappingsAt("searchable_text", searchableField)

	indexMapping.AddDocumentMapping("tool", toolMapping)
	indexMapping.DefaultMapping = toolMapping

	return bleve.New(indexPath, indexMapping)
}

func (b *BleveIndex) Close() error { return b.index.Close() }

// upsert indexes (or replaces) one tool document under its qualified name.
func (b *BleveIndex) upsert(doc Document) error {
	td := &toolDocument{
		ToolName:      doc.ToolName,
		Qualified:     doc.ID,
		ServerName:    doc.ServerName,
		Description:   doc.Description,
		SchemaSummary: doc.SchemaSummary,
		SearchableText: strings.Join([]string{doc.ToolName, doc.ID, doc.Description, doc.SchemaSummary}, " "),
	}
	return b.index.Index(doc.ID, td)
}

func (b *BleveIndex) delete(id string) error {
	return b.index.Delete(id)
}

// allIDs enumerates every document currently indexed, used by Manager.Rebuild
// to diff the existing index against a fresh catalog snapshot.
func (b *BleveIndex) allIDs() ([]string, error) {
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Fields = nil
	req.Size = 100000

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("index: list ids: %w", err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// searchRaw runs the multi-strategy boolean query the teacher's
// SearchTools built: exact/prefix/wildcard boosts on the tool name, plus
// full-text fallback, narrowed to serverFilter when non-empty.
func (b *BleveIndex) searchRaw(query string, k int, serverFilter []string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("index: search query must not be empty")
	}

	boolQuery := bleve.NewBooleanQuery()

	exactTool := bleve.NewTermQuery(query)
	exactTool.SetField("tool_name")
	exactTool.SetBoost(5.0)
	boolQuery.AddShould(exactTool)

	exactQualified := bleve.NewTermQuery(query)
	exactQualified.SetField("qualified")
	exactQualified.SetBoost(4.0)
	boolQuery.AddShould(exactQualified)

	prefixTool := bleve.NewPrefixQuery(query)
	prefixTool.SetField("tool_name")
	prefixTool.SetBoost(3.0)
	boolQuery.AddShould(prefixTool)

	if strings.Contains(query, "_") || strings.Contains(query, " ") {
		wildcard := bleve.NewWildcardQuery("*" + strings.ToLower(query) + "*")
		wildcard.SetField("tool_name")
		wildcard.SetBoost(2.5)
		boolQuery.AddShould(wildcard)
	}

	match := bleve.NewMatchQuery(query)
	match.SetBoost(1.0)
	boolQuery.AddShould(match)

	searchableMatch := bleve.NewMatchQuery(query)
	searchableMatch.SetField("searchable_text")
	searchableMatch.SetBoost(1.5)
	boolQuery.AddShould(searchableMatch)

	var finalQuery bleveQuery.Query = boolQuery
	if len(serverFilter) > 0 {
		serverClause := bleve.NewBooleanQuery()
		for _, s := range serverFilter {
			tq := bleve.NewTermQuery(s)
			tq.SetField("server_name")
			serverClause.AddShould(tq)
		}
		serverClause.SetMinShould(1)
		conj := bleve.NewConjunctionQuery(boolQuery, serverClause)
		finalQuery = conj
	}

	req := bleve.NewSearchRequest(finalQuery)
	if k <= 0 {
		k = 10
	}
	req.Size = k
	req.Fields = []string{"tool_name", "qualified", "server_name", "description", "schema_summary"}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}

	maxScore := 0.0
	for _, hit := range result.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		score := hit.Score
		if maxScore > 0 {
			score = hit.Score / maxScore // normalize into a 0..1 cosine-like range
		}
		hits = append(hits, SearchHit{
			ID:          hit.ID,
			ServerName:  getStringField(hit.Fields, "server_name"),
			ToolName:    getStringField(hit.Fields, "tool_name"),
			Description: getStringField(hit.Fields, "description"),
			Score:       score,
		})
	}
	return hits, nil
}

func getStringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
