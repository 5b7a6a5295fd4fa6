package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge.linelead.io/common"
	"bridge.linelead.io/config"
	"bridge.linelead.io/model"
	"bridge.linelead.io/reliability"
)

// fakeQuerier is an in-memory stand-in for the neo4j driver, keyed the same
// way the client keys its merges. Cross-document statements are recognized
// by their created_by_process bookkeeping and merge on local_id alone.
type fakeQuerier struct {
	nodes     map[string]map[string]interface{} // merge key -> props
	rels      map[string]string                 // merge key -> last-writer process
	failNext  int
	failWith  error
	writeOps  int
	lastQuery string
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		nodes: make(map[string]map[string]interface{}),
		rels:  make(map[string]string),
	}
}

func (f *fakeQuerier) Run(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	if f.failNext > 0 {
		f.failNext--
		return nil, f.failWith
	}
	f.lastQuery = query
	if strings.Contains(query, "count(") {
		n := int64(0)
		processID, _ := params["processID"].(string)
		switch {
		case strings.Contains(query, "local_id: $localID"):
			localID, _ := params["localID"].(string)
			for key, props := range f.nodes {
				if strings.HasPrefix(key, "entity:") && props["local_id"] == localID {
					n++
				}
			}
		case strings.Contains(query, ":Entity") && !strings.Contains(query, "RELATES"):
			for key, props := range f.nodes {
				if strings.HasPrefix(key, "entity:") && props["process_id"] == processID {
					n++
				}
			}
		case strings.Contains(query, "RELATES"):
			for _, writer := range f.rels {
				if writer == processID {
					n++
				}
			}
		case strings.Contains(query, "VisualCitation"):
			citationID, _ := params["citationID"].(string)
			if _, ok := f.nodes["citation:"+processID+":"+citationID]; ok {
				n = 1
			}
		}
		return []map[string]interface{}{{"n": n}}, nil
	}
	if strings.Contains(query, "RETURN e.local_id AS local_id") {
		var rows []map[string]interface{}
		for key, props := range f.nodes {
			if strings.HasPrefix(key, "entity:") {
				rows = append(rows, map[string]interface{}{
					"local_id":       props["local_id"],
					"canonical_name": props["canonical_name"],
					"qsr_type":       props["qsr_type"],
				})
			}
		}
		return rows, nil
	}
	return []map[string]interface{}{{"ok": int64(1)}}, nil
}

func (f *fakeQuerier) RunWrite(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	if f.failNext > 0 {
		f.failNext--
		return nil, f.failWith
	}
	f.writeOps++
	processID, _ := params["processID"].(string)
	crossDocument := strings.Contains(query, "created_by_process")
	switch {
	case strings.Contains(query, "MERGE (e:Entity"):
		for _, raw := range params["items"].([]map[string]interface{}) {
			localID := raw["local_id"].(string)
			key := "entity:" + processID + ":" + localID
			if crossDocument {
				key = "entity:global:" + localID
			}
			props, exists := f.nodes[key]
			if !exists {
				props = map[string]interface{}{"created_by_process": processID}
			}
			for k, v := range raw {
				props[k] = v
			}
			props["process_id"] = processID
			f.nodes[key] = props
		}
	case strings.Contains(query, "MERGE (a)-[r:RELATES"):
		for _, raw := range params["items"].([]map[string]interface{}) {
			key := raw["source"].(string) + ":" + raw["target"].(string) + ":" + raw["type"].(string)
			if !crossDocument {
				key = processID + ":" + key
			}
			f.rels[key] = processID
		}
	case strings.Contains(query, "MERGE (v:VisualCitation"):
		f.nodes["citation:"+processID+":"+params["citationID"].(string)] = params
	case strings.Contains(query, "DETACH DELETE"):
		for _, id := range params["ids"].([]string) {
			if crossDocument {
				key := "entity:global:" + id
				if props, ok := f.nodes[key]; ok && props["created_by_process"] == processID {
					delete(f.nodes, key)
				}
				continue
			}
			delete(f.nodes, "entity:"+processID+":"+id)
			delete(f.nodes, "citation:"+processID+":"+id)
		}
	}
	return nil, nil
}

func (f *fakeQuerier) Close(ctx context.Context) error { return nil }

func newTestClient(t *testing.T, q Querier) (*Client, *reliability.DeadLetterQueue) {
	t.Helper()
	cfg, err := config.New(config.Config{Environment: config.EnvTesting, DataDir: t.TempDir()})
	require.NoError(t, err)
	dlq, err := reliability.NewDeadLetterQueue(reliability.DLQConfig{
		Path: filepath.Join(t.TempDir(), "queue.json"),
	})
	require.NoError(t, err)
	breaker := reliability.NewCircuitBreaker(reliability.BreakerConfig{Name: "graph"})
	return NewClient(ClientConfig{Querier: q, Breaker: breaker, DLQ: dlq, Config: cfg}), dlq
}

func someEntities(n int) []model.Entity {
	out := make([]model.Entity, n)
	for i := range out {
		out[i] = model.Entity{
			LocalID:       string(rune('a' + i)),
			CanonicalName: "Entity " + string(rune('A'+i)),
			QSRType:       model.TypeEquipment,
		}
	}
	return out
}

func TestCreateEntitiesBatchGroupsByBatchSize(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)

	result, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(7))
	require.NoError(t, err)
	assert.Equal(t, 7, result.Created)
	assert.Len(t, result.NodeIDs, 7)
	// batch_size defaults to 3: ceil(7/3) = 3 write statements
	assert.Equal(t, 3, fq.writeOps)
}

func TestRepeatedWritesDoNotDuplicate(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)
	entities := someEntities(3)

	_, err := client.CreateEntitiesBatch(context.Background(), "p1", entities)
	require.NoError(t, err)
	_, err = client.CreateEntitiesBatch(context.Background(), "p1", entities)
	require.NoError(t, err)

	n, err := client.CountEntities(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "merge on (process_id, local_id) must keep writes idempotent")
}

func TestFailedWriteIsDeadLettered(t *testing.T) {
	fq := newFakeQuerier()
	fq.failNext = 1
	fq.failWith = errors.New("connection reset")
	client, dlq := newTestClient(t, fq)

	_, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(2))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindGraphWriteFailed))

	pending := dlq.Pending(reliability.ClassRetryable)
	require.Len(t, pending, 1)
	assert.Equal(t, "graph_write", pending[0].OpKind)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fq := newFakeQuerier()
	fq.failNext = 100
	fq.failWith = errors.New("down")
	client, _ := newTestClient(t, fq)

	for i := 0; i < 5; i++ {
		_, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(1))
		require.Error(t, err)
	}
	assert.Equal(t, reliability.StateOpen, client.Breaker().State())

	_, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(1))
	assert.True(t, common.IsKind(err, common.KindCircuitOpen))
}

func TestInterceptorDivertsWrites(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)

	var diverted []WriteOp
	client.SetInterceptor(func(op WriteOp) (bool, error) {
		diverted = append(diverted, op)
		return true, nil
	})

	result, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(3))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Zero(t, fq.writeOps, "diverted writes must not reach the driver")
	require.Len(t, diverted, 1)
	assert.Equal(t, "entities", diverted[0].Kind)
}

func TestApplyBypassesInterceptor(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)
	client.SetInterceptor(func(op WriteOp) (bool, error) { return true, nil })

	err := client.Apply(context.Background(), WriteOp{
		Kind:      "entities",
		ProcessID: "p1",
		Entities:  someEntities(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fq.writeOps)
}

func TestDeleteProcessNodesIsIdempotent(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)

	_, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(2))
	require.NoError(t, err)

	require.NoError(t, client.DeleteProcessNodes(context.Background(), "p1", []string{"a", "b"}))
	require.NoError(t, client.DeleteProcessNodes(context.Background(), "p1", []string{"a", "b"}))

	n, err := client.CountEntities(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCrossDocumentWritesConvergeOnOneNode(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)
	_, err := client.cfg.Set(config.KeyCrossDocumentDedup, true, "test")
	require.NoError(t, err)

	canonical := model.Entity{LocalID: "equipment:taylor-c602", CanonicalName: "Taylor C602", QSRType: model.TypeEquipment}

	_, err = client.CreateEntitiesBatch(context.Background(), "p1", []model.Entity{canonical})
	require.NoError(t, err)
	_, err = client.CreateEntitiesBatch(context.Background(), "p2", []model.Entity{canonical})
	require.NoError(t, err)

	// One node per canonical id; the per-process count follows the last
	// writer.
	exists, err := client.EntityExists(context.Background(), "p2", canonical.LocalID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Len(t, fq.nodes, 1)

	n, err := client.CountEntities(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Rolling back p2 must not delete the node p1 introduced.
	require.NoError(t, client.DeleteProcessNodes(context.Background(), "p2", []string{canonical.LocalID}))
	exists, err = client.EntityExists(context.Background(), "p2", canonical.LocalID)
	require.NoError(t, err)
	assert.True(t, exists, "pre-existing canonical nodes survive a later process's rollback")

	all, err := client.CanonicalEntities(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Taylor C602", all[0].CanonicalName)
	assert.Equal(t, model.TypeEquipment, all[0].QSRType)
}

func TestHealthProbe(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)

	latency, err := client.HealthProbe(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestCitationRoundTrip(t *testing.T) {
	fq := newFakeQuerier()
	client, _ := newTestClient(t, fq)

	_, err := client.CreateEntitiesBatch(context.Background(), "p1", someEntities(1))
	require.NoError(t, err)

	citation := model.VisualCitation{CitationID: "c1", Kind: model.CitationDiagram, ContentHash: "abc"}
	links := []model.VisualEntityLink{{CitationID: "c1", EntityID: "a", Kind: model.LinkIllustrates, Confidence: 0.9}}
	nodeID, err := client.CreateCitation(context.Background(), "p1", citation, links)
	require.NoError(t, err)
	assert.Equal(t, "p1:c1", nodeID)

	exists, err := client.CitationExists(context.Background(), "p1", "c1")
	require.NoError(t, err)
	assert.True(t, exists)
}
