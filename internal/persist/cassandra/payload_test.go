package cassandra

import (
	"strings"
	"testing"
)

func TestSchema(t *testing.T) {
	stmts := Schema()
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	for _, stmt := range stmts {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Errorf("statement is not idempotent: %s", stmt)
		}
	}
	if !strings.Contains(stmts[0], "payloads") || !strings.Contains(stmts[0], "payload_key text PRIMARY KEY") {
		t.Errorf("unexpected payloads table DDL: %s", stmts[0])
	}
	if !strings.Contains(stmts[1], "payload_chunks") ||
		!strings.Contains(stmts[1], "PRIMARY KEY (payload_key, chunk_idx)") {
		t.Errorf("unexpected chunks table DDL: %s", stmts[1])
	}
}
