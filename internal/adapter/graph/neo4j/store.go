// Package neo4j implements the temporal knowledge-graph port on Neo4j.
// Episodes are append-only; entity extraction is LLM-guided against the
// M&A schema; every read and write is scoped to a tenant group id.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	neo4jdb "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// Store wraps a Neo4j driver as a domain.GraphStore.
type Store struct {
	driver  neo4jdb.DriverWithContext
	llm     domain.LLMClient
	timeout time.Duration

	indexOnce sync.Once
	indexErr  error

	mu     sync.Mutex
	groups map[string]*sync.Mutex
	closed bool
}

// New connects to Neo4j and verifies reachability. The LLM client
// drives schema-guided entity extraction; nil disables extraction and
// episodes are stored bare.
func New(ctx domain.Context, cfg config.Config, llm domain.LLMClient) (*Store, error) {
	driver, err := neo4jdb.NewDriverWithContext(cfg.Neo4jURI,
		neo4jdb.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("op=graph.new: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("op=graph.new: %w: %v", domain.ErrGraphUnavailable, err)
	}
	return &Store{
		driver:  driver,
		llm:     llm,
		timeout: cfg.GraphTimeout,
		groups:  map[string]*sync.Mutex{},
	}, nil
}

type extractedEntity struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Summary string `json:"summary,omitempty"`
}

type extractedEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Fact   string `json:"fact,omitempty"`
}

type extraction struct {
	Entities []extractedEntity `json:"entities"`
	Edges    []extractedEdge   `json:"edges"`
}

// AddEpisode ingests one episode. Episodes within the same group are
// processed sequentially; the caller's ordering is preserved.
func (s *Store) AddEpisode(ctx domain.Context, e domain.Episode) error {
	tracer := otel.Tracer("graph.neo4j")
	ctx, span := tracer.Start(ctx, "Store.AddEpisode")
	defer span.End()

	if err := e.Validate(); err != nil {
		return fmt.Errorf("op=graph.add_episode: %w", err)
	}
	if s.isClosed() {
		return fmt.Errorf("op=graph.add_episode: store closed: %w", domain.ErrGraphUnavailable)
	}
	group := e.GroupID()
	span.SetAttributes(attribute.String("graph.group_id", group))

	lock := s.groupLock(group)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("op=graph.add_episode: %w", err)
	}

	ex := s.extract(ctx, e)
	slog.Debug("graph episode extracted",
		"group_id", group, "name", e.Name,
		"entities", len(ex.Entities), "edges", len(ex.Edges),
		"estimated_tokens", len(e.Content)/4)

	session := s.driver.NewSession(ctx, neo4jdb.SessionConfig{AccessMode: neo4jdb.AccessModeWrite})
	defer func() { _ = session.Close(ctx) }()

	_, err := session.ExecuteWrite(ctx, func(tx neo4jdb.ManagedTransaction) (any, error) {
		now := time.Now().UTC()
		episodeUUID := uuid.NewString()
		if _, err := tx.Run(ctx, `
			CREATE (ep:Episode {
				uuid: $uuid, name: $name, content: $content,
				source_description: $source, group_id: $group,
				confidence: $confidence, reference_time: $reference,
				created_at: $now
			})`, map[string]any{
			"uuid": episodeUUID, "name": e.Name, "content": e.Content,
			"source": e.SourceDescription, "group": group,
			"confidence": e.Confidence, "reference": e.Reference.UTC(),
			"now": now,
		}); err != nil {
			return nil, err
		}

		keys := map[string]string{}
		for _, ent := range ex.Entities {
			if !entityTypes[ent.Type] || strings.TrimSpace(ent.Name) == "" {
				continue
			}
			key := resolveKey(ent.Type, ent.Name)
			if key == "" {
				continue
			}
			keys[ent.Name] = key
			if _, err := tx.Run(ctx, `
				MERGE (n:Entity {group_id: $group, key: $key, entity_type: $type})
				ON CREATE SET n.uuid = $uuid, n.name = $name, n.created_at = $now
				SET n.summary = coalesce($summary, n.summary)
				WITH n
				MATCH (ep:Episode {uuid: $episode})
				MERGE (ep)-[:MENTIONS {group_id: $group}]->(n)`, map[string]any{
				"group": group, "key": key, "type": ent.Type,
				"uuid": uuid.NewString(), "name": ent.Name,
				"summary": nullable(ent.Summary), "now": now,
				"episode": episodeUUID,
			}); err != nil {
				return nil, err
			}
		}

		for _, edge := range ex.Edges {
			rel := strings.ToUpper(strings.TrimSpace(edge.Type))
			srcType, srcOK := entityTypeOf(ex.Entities, edge.Source)
			dstType, dstOK := entityTypeOf(ex.Entities, edge.Target)
			if !srcOK || !dstOK || !edgeAllowed(rel, srcType, dstType) {
				continue
			}
			srcKey, dstKey := keys[edge.Source], keys[edge.Target]
			if srcKey == "" || dstKey == "" {
				continue
			}
			// rel comes from the allow-list, never from user input.
			q := fmt.Sprintf(`
				MATCH (a:Entity {group_id: $group, key: $src}),
				      (b:Entity {group_id: $group, key: $dst})
				MERGE (a)-[r:%s {group_id: $group}]->(b)
				ON CREATE SET r.created_at = $now
				SET r.fact = coalesce($fact, r.fact)`, rel)
			if _, err := tx.Run(ctx, q, map[string]any{
				"group": group, "src": srcKey, "dst": dstKey,
				"fact": nullable(edge.Fact), "now": now,
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("op=graph.add_episode group=%s: %w: %v", group, domain.ErrGraphUnavailable, err)
	}
	return nil
}

// Search runs a tenant-scoped fulltext query. Legacy underscore group
// ids are matched on reads only.
func (s *Store) Search(ctx domain.Context, dealID, organizationID, query string, numResults int) ([]domain.GraphSearchResult, error) {
	tracer := otel.Tracer("graph.neo4j")
	ctx, span := tracer.Start(ctx, "Store.Search")
	defer span.End()

	if s.isClosed() {
		return nil, fmt.Errorf("op=graph.search: store closed: %w", domain.ErrGraphUnavailable)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("op=graph.search: empty query: %w", domain.ErrInvalidArgument)
	}
	if numResults <= 0 {
		numResults = 10
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("op=graph.search: %w", err)
	}
	groups := []string{
		domain.GroupID(organizationID, dealID),
		domain.LegacyGroupID(organizationID, dealID),
	}

	session := s.driver.NewSession(ctx, neo4jdb.SessionConfig{AccessMode: neo4jdb.AccessModeRead})
	defer func() { _ = session.Close(ctx) }()

	records, err := session.ExecuteRead(ctx, func(tx neo4jdb.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			CALL db.index.fulltext.queryNodes('graph_search', $q) YIELD node, score
			WHERE node.group_id IN $groups
			RETURN node.uuid AS uuid, node.name AS name,
			       coalesce(node.content, node.summary, '') AS content,
			       score, node.group_id AS group_id, node.created_at AS created_at
			ORDER BY score DESC
			LIMIT $limit`, map[string]any{
			"q": escapeFulltext(query), "groups": groups, "limit": numResults,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("op=graph.search: %w: %v", domain.ErrGraphUnavailable, err)
	}

	recs := records.([]*neo4jdb.Record)
	out := make([]domain.GraphSearchResult, 0, len(recs))
	for _, rec := range recs {
		r := domain.GraphSearchResult{}
		if v, ok := rec.Get("uuid"); ok {
			r.UUID, _ = v.(string)
		}
		if v, ok := rec.Get("name"); ok {
			r.Name, _ = v.(string)
		}
		if v, ok := rec.Get("content"); ok {
			r.Content, _ = v.(string)
		}
		if v, ok := rec.Get("score"); ok {
			r.Score, _ = v.(float64)
		}
		if v, ok := rec.Get("group_id"); ok {
			r.GroupID, _ = v.(string)
		}
		if v, ok := rec.Get("created_at"); ok {
			if t, ok := v.(time.Time); ok {
				r.CreatedAt = t
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Close shuts the driver down. Safe to call more than once.
func (s *Store) Close(ctx domain.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.driver.Close(ctx); err != nil {
		return fmt.Errorf("op=graph.close: %w", err)
	}
	return nil
}

// Ping reports whether the driver still reaches the cluster.
func (s *Store) Ping(ctx domain.Context) error {
	if s.isClosed() {
		return fmt.Errorf("op=graph.ping: %w", domain.ErrGraphUnavailable)
	}
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("op=graph.ping: %w: %v", domain.ErrGraphUnavailable, err)
	}
	return nil
}

// extract asks the LLM for schema-guided entities and edges. Extraction
// failures degrade to a bare episode rather than failing ingestion.
func (s *Store) extract(ctx domain.Context, e domain.Episode) extraction {
	if s.llm == nil {
		return extraction{}
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := s.llm.Generate(callCtx, domain.LLMRequest{
		System:     extractionSystem,
		Prompt:     fmt.Sprintf("Source: %s\n\n%s", e.SourceDescription, e.Content),
		Tier:       domain.TierLite,
		JSONSchema: extractionSchema,
	})
	if err != nil {
		slog.Warn("graph extraction failed, storing bare episode",
			"group_id", e.GroupID(), "name", e.Name, "error", err)
		return extraction{}
	}
	var ex extraction
	if err := json.Unmarshal([]byte(cleanJSON(resp.Text)), &ex); err != nil {
		slog.Warn("graph extraction returned malformed JSON",
			"group_id", e.GroupID(), "name", e.Name, "error", err)
		return extraction{}
	}
	return ex
}

func (s *Store) ensureIndexes(ctx domain.Context) error {
	s.indexOnce.Do(func() {
		session := s.driver.NewSession(ctx, neo4jdb.SessionConfig{AccessMode: neo4jdb.AccessModeWrite})
		defer func() { _ = session.Close(ctx) }()
		statements := []string{
			`CREATE FULLTEXT INDEX graph_search IF NOT EXISTS
			 FOR (n:Episode|Entity) ON EACH [n.name, n.content, n.summary]`,
			`CREATE INDEX entity_group_key IF NOT EXISTS
			 FOR (n:Entity) ON (n.group_id, n.key)`,
			`CREATE INDEX episode_group IF NOT EXISTS
			 FOR (n:Episode) ON (n.group_id)`,
		}
		for _, stmt := range statements {
			_, err := session.ExecuteWrite(ctx, func(tx neo4jdb.ManagedTransaction) (any, error) {
				return tx.Run(ctx, stmt, nil)
			})
			if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
				s.indexErr = fmt.Errorf("op=graph.ensure_indexes: %w", err)
				return
			}
		}
	})
	return s.indexErr
}

func (s *Store) groupLock(group string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.groups[group]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.groups[group] = l
	return l
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func entityTypeOf(entities []extractedEntity, name string) (string, bool) {
	for _, e := range entities {
		if e.Name == name {
			return e.Type, true
		}
	}
	return "", false
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// escapeFulltext escapes Lucene query syntax in user input so it is
// searched literally.
func escapeFulltext(q string) string {
	var b strings.Builder
	for _, r := range q {
		switch r {
		case '+', '-', '&', '|', '!', '(', ')', '{', '}', '[', ']', '^', '"', '~', '*', '?', ':', '\\', '/':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// cleanJSON strips markdown code fences some models wrap around JSON.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
