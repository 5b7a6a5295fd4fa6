package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// WriteOp is one redirectable graph write. The degradation manager persists
// these to the local queue when the graph is unavailable and replays them
// through Apply once it recovers.
type WriteOp struct {
	Kind          string                   `json:"kind"` // "entities", "relationships", "citation_links"
	ProcessID     string                   `json:"process_id"`
	Entities      []model.Entity           `json:"entities,omitempty"`
	Relationships []model.Relationship     `json:"relationships,omitempty"`
	Citation      *model.VisualCitation    `json:"citation,omitempty"`
	Links         []model.VisualEntityLink `json:"links,omitempty"`
}

// Interceptor may divert a write away from the graph. Returning true means
// the op was handled elsewhere (local queue) and must not reach the driver.
type Interceptor func(op WriteOp) (bool, error)

// BatchResult reports one batched write.
type BatchResult struct {
	Created int
	NodeIDs []string
}

// Client is the graph facade. All writes pass through the circuit breaker;
// exhausted failures are dead-lettered with their full payload.
type Client struct {
	querier     Querier
	breaker     *reliability.CircuitBreaker
	dlq         *reliability.DeadLetterQueue
	cfg         *config.Manager
	logger      *logrus.Entry
	interceptor Interceptor
}

// ClientConfig wires the client's collaborators.
type ClientConfig struct {
	Querier Querier
	Breaker *reliability.CircuitBreaker
	DLQ     *reliability.DeadLetterQueue
	Config  *config.Manager
	Logger  *logrus.Entry
}

// NewClient creates the facade.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		querier: cfg.Querier,
		breaker: cfg.Breaker,
		dlq:     cfg.DLQ,
		cfg:     cfg.Config,
		logger:  cfg.Logger.WithField("component", "graph"),
	}
	if cfg.DLQ != nil {
		cfg.DLQ.RegisterHandler("graph_write", c.retryDeadLettered)
	}
	return c
}

// SetInterceptor installs (or clears, with nil) the degradation redirect.
func (c *Client) SetInterceptor(fn Interceptor) {
	c.interceptor = fn
}

// BatchSize returns the current write batch size. The optimization engine
// tunes this at runtime through the config manager.
func (c *Client) BatchSize() int {
	if c.cfg == nil {
		return 3
	}
	return c.cfg.GetInt(config.KeyBatchSize, 3)
}

func (c *Client) queryTimeout() time.Duration {
	if c.cfg == nil {
		return 45 * time.Second
	}
	return c.cfg.GetDuration(config.KeyQueryTimeout, 45*time.Second)
}

// crossDocument reports whether entity identity spans documents. When set,
// entity merges key on local_id alone (the dedup engine hands out global
// canonical ids) instead of (process_id, local_id), so repeated uploads
// converge on one node per canonical entity.
func (c *Client) crossDocument() bool {
	if c.cfg == nil {
		return false
	}
	return c.cfg.GetBool(config.KeyCrossDocumentDedup, false)
}

// CreateEntitiesBatch writes entities in batches, idempotently keyed on
// (process_id, local_id) — or on local_id alone in cross-document mode.
// Returns the node ids in input order.
func (c *Client) CreateEntitiesBatch(ctx context.Context, processID string, entities []model.Entity) (*BatchResult, error) {
	result := &BatchResult{}
	size := c.BatchSize()
	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]

		op := WriteOp{Kind: "entities", ProcessID: processID, Entities: batch}
		if handled, err := c.intercept(op); handled {
			if err != nil {
				return result, err
			}
			for _, e := range batch {
				result.NodeIDs = append(result.NodeIDs, nodeKey(processID, e.LocalID))
			}
			result.Created += len(batch)
			continue
		}

		if err := c.writeEntities(ctx, processID, batch); err != nil {
			c.deadLetter(op, err)
			return result, err
		}
		for _, e := range batch {
			result.NodeIDs = append(result.NodeIDs, nodeKey(processID, e.LocalID))
		}
		result.Created += len(batch)
	}
	return result, nil
}

// CreateRelationshipsBatch writes relationships after their endpoints exist.
func (c *Client) CreateRelationshipsBatch(ctx context.Context, processID string, rels []model.Relationship) (*BatchResult, error) {
	result := &BatchResult{}
	size := c.BatchSize()
	for start := 0; start < len(rels); start += size {
		end := start + size
		if end > len(rels) {
			end = len(rels)
		}
		batch := rels[start:end]

		op := WriteOp{Kind: "relationships", ProcessID: processID, Relationships: batch}
		if handled, err := c.intercept(op); handled {
			if err != nil {
				return result, err
			}
			result.Created += len(batch)
			continue
		}

		if err := c.writeRelationships(ctx, processID, batch); err != nil {
			c.deadLetter(op, err)
			return result, err
		}
		result.Created += len(batch)
	}
	return result, nil
}

// CreateCitation writes a visual citation node and its entity links.
func (c *Client) CreateCitation(ctx context.Context, processID string, citation model.VisualCitation, links []model.VisualEntityLink) (string, error) {
	op := WriteOp{Kind: "citation_links", ProcessID: processID, Citation: &citation, Links: links}
	if handled, err := c.intercept(op); handled {
		return nodeKey(processID, citation.CitationID), err
	}
	if err := c.writeCitation(ctx, processID, citation, links); err != nil {
		c.deadLetter(op, err)
		return "", err
	}
	return nodeKey(processID, citation.CitationID), nil
}

// DeleteProcessNodes removes all nodes created for the given local ids of a
// process. It is the compensation for batch writes and must be idempotent.
// In cross-document mode only nodes this process introduced are removed;
// canonical nodes that pre-existed the write survive the rollback.
func (c *Client) DeleteProcessNodes(ctx context.Context, processID string, localIDs []string) error {
	query := `
		UNWIND $ids AS lid
		MATCH (n {process_id: $processID, local_id: lid})
		DETACH DELETE n
	`
	if c.crossDocument() {
		query = `
			UNWIND $ids AS lid
			MATCH (n {local_id: lid})
			WHERE n.created_by_process = $processID
			   OR (n:VisualCitation AND n.process_id = $processID)
			DETACH DELETE n
		`
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID": processID,
			"ids":       localIDs,
		})
		return err
	})
}

// DeleteRelationship removes one relationship edge. Used by integrity
// auto-repair; idempotent.
func (c *Client) DeleteRelationship(ctx context.Context, processID, sourceID, targetID, relType string) error {
	query := `
		MATCH (a:Entity {process_id: $processID, local_id: $source})
		      -[r:RELATES {process_id: $processID, rel_type: $type}]->
		      (b:Entity {process_id: $processID, local_id: $target})
		DELETE r
	`
	if c.crossDocument() {
		query = `
			MATCH (a:Entity {local_id: $source})
			      -[r:RELATES {rel_type: $type}]->
			      (b:Entity {local_id: $target})
			WHERE r.created_by_process = $processID
			DELETE r
		`
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID": processID,
			"source":    sourceID,
			"target":    targetID,
			"type":      relType,
		})
		return err
	})
}

// DeleteVisualLink removes one citation-to-entity link. Used by integrity
// auto-repair; idempotent.
func (c *Client) DeleteVisualLink(ctx context.Context, processID, citationID, entityID string) error {
	query := `
		MATCH (v:VisualCitation {process_id: $processID, local_id: $citationID})
		      -[l:VISUALLY_LINKS]->
		      (e:Entity {process_id: $processID, local_id: $entityID})
		DELETE l
	`
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID":  processID,
			"citationID": citationID,
			"entityID":   entityID,
		})
		return err
	})
}

// RestoreRelationship re-creates one edge. It is the compensation for the
// integrity auto-repair deletions.
func (c *Client) RestoreRelationship(ctx context.Context, processID string, rel model.Relationship) error {
	return c.writeRelationships(ctx, processID, []model.Relationship{rel})
}

// Query runs a read statement under the breaker and query timeout.
func (c *Client) Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		rows, err = c.querier.Run(ctx, query, params)
		return err
	})
	return rows, err
}

// CountEntities returns the number of entity nodes for a process. The
// integrity verifier compares this against the bridge counters.
func (c *Client) CountEntities(ctx context.Context, processID string) (int, error) {
	rows, err := c.Query(ctx, `
		MATCH (e:Entity {process_id: $processID})
		RETURN count(e) AS n
	`, map[string]interface{}{"processID": processID})
	if err != nil {
		return 0, err
	}
	return rowCount(rows), nil
}

// CountRelationships returns the number of bridged relationships for a
// process.
func (c *Client) CountRelationships(ctx context.Context, processID string) (int, error) {
	rows, err := c.Query(ctx, `
		MATCH (:Entity {process_id: $processID})-[r:RELATES {process_id: $processID}]->(:Entity)
		RETURN count(r) AS n
	`, map[string]interface{}{"processID": processID})
	if err != nil {
		return 0, err
	}
	return rowCount(rows), nil
}

// CanonicalEntities returns every canonical entity currently in the graph.
// The dedup engine matches fresh extractions against this set when
// cross-document canonicalization is enabled.
func (c *Client) CanonicalEntities(ctx context.Context) ([]model.Entity, error) {
	rows, err := c.Query(ctx, `
		MATCH (e:Entity)
		RETURN e.local_id AS local_id, e.canonical_name AS canonical_name, e.qsr_type AS qsr_type
	`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(rows))
	for _, row := range rows {
		entity := model.Entity{}
		if v, ok := row["local_id"].(string); ok {
			entity.LocalID = v
		}
		if v, ok := row["canonical_name"].(string); ok {
			entity.CanonicalName = v
		}
		if v, ok := row["qsr_type"].(string); ok {
			entity.QSRType = model.QSRType(v)
		}
		if entity.LocalID != "" {
			out = append(out, entity)
		}
	}
	return out, nil
}

// EntityExists reports whether a canonical entity node is resolvable by its
// id, regardless of which process wrote it. The cross-document referential
// integrity check uses this.
func (c *Client) EntityExists(ctx context.Context, processID, localID string) (bool, error) {
	rows, err := c.Query(ctx, `
		MATCH (e:Entity {local_id: $localID})
		RETURN count(e) AS n
	`, map[string]interface{}{"localID": localID})
	if err != nil {
		return false, err
	}
	return rowCount(rows) > 0, nil
}

// CitationExists reports whether a citation node is queryable by id.
func (c *Client) CitationExists(ctx context.Context, processID, citationID string) (bool, error) {
	rows, err := c.Query(ctx, `
		MATCH (v:VisualCitation {process_id: $processID, local_id: $citationID})
		RETURN count(v) AS n
	`, map[string]interface{}{"processID": processID, "citationID": citationID})
	if err != nil {
		return false, err
	}
	return rowCount(rows) > 0, nil
}

// HealthProbe measures a round trip to the database.
func (c *Client) HealthProbe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.Run(ctx, "RETURN 1 AS ok", nil)
		return err
	})
	return time.Since(start), err
}

// Breaker exposes the graph circuit breaker for health and recovery.
func (c *Client) Breaker() *reliability.CircuitBreaker { return c.breaker }

// Apply replays a write op directly against the driver, bypassing the
// interceptor. The local-queue drainer uses it.
func (c *Client) Apply(ctx context.Context, op WriteOp) error {
	switch op.Kind {
	case "entities":
		return c.writeEntities(ctx, op.ProcessID, op.Entities)
	case "relationships":
		return c.writeRelationships(ctx, op.ProcessID, op.Relationships)
	case "citation_links":
		if op.Citation == nil {
			return common.NewError(common.KindInvalidInput, "citation op without citation")
		}
		return c.writeCitation(ctx, op.ProcessID, *op.Citation, op.Links)
	}
	return common.NewError(common.KindInvalidInput, "unknown write op kind %q", op.Kind)
}

func (c *Client) intercept(op WriteOp) (bool, error) {
	if c.interceptor == nil {
		return false, nil
	}
	return c.interceptor(op)
}

func (c *Client) writeEntities(ctx context.Context, processID string, batch []model.Entity) error {
	items := make([]map[string]interface{}, len(batch))
	for i, e := range batch {
		props, _ := json.Marshal(e.Properties)
		items[i] = map[string]interface{}{
			"local_id":       e.LocalID,
			"canonical_name": e.CanonicalName,
			"qsr_type":       string(e.QSRType),
			"source_doc":     e.SourceDocument,
			"page_refs":      intSlice(e.PageRefs),
			"properties":     string(props),
		}
	}
	query := `
		UNWIND $items AS item
		MERGE (e:Entity {process_id: $processID, local_id: item.local_id})
		SET e.canonical_name = item.canonical_name,
		    e.qsr_type = item.qsr_type,
		    e.source_document = item.source_doc,
		    e.page_refs = item.page_refs,
		    e.properties = item.properties
	`
	if c.crossDocument() {
		// One node per canonical id across documents. The creator is
		// remembered so a rollback only removes nodes this process
		// introduced; process_id tracks the last writer for the
		// per-process count checks.
		query = `
			UNWIND $items AS item
			MERGE (e:Entity {local_id: item.local_id})
			ON CREATE SET e.created_by_process = $processID
			SET e.canonical_name = item.canonical_name,
			    e.qsr_type = item.qsr_type,
			    e.source_document = item.source_doc,
			    e.page_refs = item.page_refs,
			    e.properties = item.properties,
			    e.process_id = $processID
		`
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID": processID,
			"items":     items,
		})
		return err
	})
}

func (c *Client) writeRelationships(ctx context.Context, processID string, batch []model.Relationship) error {
	items := make([]map[string]interface{}, len(batch))
	for i, r := range batch {
		items[i] = map[string]interface{}{
			"source": r.SourceID,
			"target": r.TargetID,
			"type":   r.Type,
		}
	}
	query := `
		UNWIND $items AS item
		MATCH (a:Entity {process_id: $processID, local_id: item.source})
		MATCH (b:Entity {process_id: $processID, local_id: item.target})
		MERGE (a)-[r:RELATES {process_id: $processID, rel_type: item.type}]->(b)
	`
	if c.crossDocument() {
		query = `
			UNWIND $items AS item
			MATCH (a:Entity {local_id: item.source})
			MATCH (b:Entity {local_id: item.target})
			MERGE (a)-[r:RELATES {rel_type: item.type}]->(b)
			ON CREATE SET r.created_by_process = $processID
			SET r.process_id = $processID
		`
	}
	return c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID": processID,
			"items":     items,
		})
		return err
	})
}

func (c *Client) writeCitation(ctx context.Context, processID string, citation model.VisualCitation, links []model.VisualEntityLink) error {
	query := `
		MERGE (v:VisualCitation {process_id: $processID, local_id: $citationID})
		SET v.kind = $kind,
		    v.format = $format,
		    v.page = $page,
		    v.content_hash = $hash,
		    v.source_document = $sourceDoc
	`
	err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.querier.RunWrite(ctx, query, map[string]interface{}{
			"processID":  processID,
			"citationID": citation.CitationID,
			"kind":       string(citation.Kind),
			"format":     citation.Format,
			"page":       citation.Page,
			"hash":       citation.ContentHash,
			"sourceDoc":  citation.SourceDocument,
		})
		return err
	})
	if err != nil {
		return err
	}

	linkQuery := `
		MATCH (v:VisualCitation {process_id: $processID, local_id: $citationID})
		MATCH (e:Entity {process_id: $processID, local_id: $entityID})
		MERGE (v)-[l:VISUALLY_LINKS {link_kind: $kind}]->(e)
		SET l.confidence = $confidence
	`
	if c.crossDocument() {
		linkQuery = `
			MATCH (v:VisualCitation {process_id: $processID, local_id: $citationID})
			MATCH (e:Entity {local_id: $entityID})
			MERGE (v)-[l:VISUALLY_LINKS {link_kind: $kind}]->(e)
			SET l.confidence = $confidence
		`
	}
	for _, link := range links {
		err := c.call(ctx, func(ctx context.Context) error {
			_, err := c.querier.RunWrite(ctx, linkQuery, map[string]interface{}{
				"processID":  processID,
				"citationID": link.CitationID,
				"entityID":   link.EntityID,
				"kind":       string(link.Kind),
				"confidence": link.Confidence,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// call runs fn under the circuit breaker with the configured query timeout.
// A deadline expiry is reported as KindTimeout and counts as a breaker
// failure.
func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	return c.breaker.Call(func() error {
		if c.querier == nil {
			return common.NewError(common.KindGraphWriteFailed, "no graph connection")
		}
		callCtx, cancel := context.WithTimeout(ctx, c.queryTimeout())
		defer cancel()
		err := fn(callCtx)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return common.WrapError(common.KindTimeout, err, "graph call exceeded %s", c.queryTimeout())
			}
			return common.WrapError(common.KindGraphWriteFailed, err, "graph call failed")
		}
		return nil
	})
}

func (c *Client) deadLetter(op WriteOp, cause error) {
	if c.dlq == nil {
		return
	}
	if _, err := c.dlq.Enqueue("graph_write", op, cause); err != nil {
		c.logger.WithError(err).Error("failed to dead-letter graph write")
	}
}

// retryDeadLettered replays a dead-lettered write op.
func (c *Client) retryDeadLettered(record reliability.FailedOp) error {
	var op WriteOp
	if err := json.Unmarshal(record.Payload, &op); err != nil {
		return common.WrapError(common.KindInvalidInput, err, "undecodable graph write payload")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.queryTimeout())
	defer cancel()
	return c.Apply(ctx, op)
}

func nodeKey(processID, localID string) string {
	return processID + ":" + localID
}

func intSlice(in []int) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func rowCount(rows []map[string]interface{}) int {
	if len(rows) == 0 {
		return 0
	}
	switch n := rows[0]["n"].(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
