// Package graph is the single facade for all graph reads and writes used by
// the bridge. Writes are batched, wrapped in the graph circuit breaker,
// idempotent on (process_id, local_id), and dead-lettered with their full
// payload when retries are exhausted.
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Querier is the narrow query surface the client needs from the graph
// database. The production implementation wraps the neo4j driver; tests use
// an in-memory fake.
type Querier interface {
	// Run executes one statement and returns the result rows as maps.
	Run(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error)
	// RunWrite executes one statement inside a write transaction.
	RunWrite(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error)
	Close(ctx context.Context) error
}

// Neo4jQuerier implements Querier over the official driver.
type Neo4jQuerier struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jQuerier connects to the database and verifies connectivity.
func NewNeo4jQuerier(ctx context.Context, uri, username, password string) (*Neo4jQuerier, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to graph database: %w", err)
	}
	return &Neo4jQuerier{driver: driver}, nil
}

// Run executes a read statement.
func (q *Neo4jQuerier) Run(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	session := q.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return collectRows(ctx, tx, query, params)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]interface{}), nil
}

// RunWrite executes a write statement.
func (q *Neo4jQuerier) RunWrite(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	session := q.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	rows, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return collectRows(ctx, tx, query, params)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]interface{}), nil
}

// Close shuts down the driver.
func (q *Neo4jQuerier) Close(ctx context.Context) error {
	return q.driver.Close(ctx)
}

func collectRows(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	for result.Next(ctx) {
		record := result.Record()
		row := make(map[string]interface{}, len(record.Keys))
		for _, key := range record.Keys {
			if value, ok := record.Get(key); ok {
				row[key] = value
			}
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}
