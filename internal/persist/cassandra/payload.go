// Package cassandra stores oversized resource payloads in a Cassandra
// keyspace, chunked so no single cell outgrows the commitlog limits. The
// relational row keeps only the payload key.
package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/ehr/fhirstore/internal/persist"
)

// ChunkSize bounds one payload_chunks cell. 1 MiB stays well inside the
// default commitlog segment size.
const ChunkSize = 1 << 20

// Config describes the Cassandra cluster connection.
type Config struct {
	Hosts    []string
	Port     int
	Keyspace string
	Username string
	Password string
	Timeout  time.Duration
}

// Store implements persist.PayloadStore on a Cassandra session.
type Store struct {
	session *gocql.Session
}

var _ persist.PayloadStore = (*Store)(nil)

// Connect builds a session and verifies it with a system read.
func Connect(cfg Config) (*Store, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port != 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	cluster.Consistency = gocql.Quorum
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to cassandra: %w", err)
	}

	if err := session.Query("SELECT release_version FROM system.local").Scan(new(string)); err != nil {
		session.Close()
		return nil, fmt.Errorf("verify cassandra connection: %w", err)
	}

	return &Store{session: session}, nil
}

// Close shuts the session down.
func (s *Store) Close() {
	s.session.Close()
}

// Store writes the payload as a manifest row plus ordered chunks. The key is
// a fresh UUID; the resource id rides along on the manifest as the
// correlation key back to the relational store.
func (s *Store) Store(ctx context.Context, resourceID int64, payload []byte) (string, error) {
	key := uuid.New().String()

	chunks := (len(payload) + ChunkSize - 1) / ChunkSize
	if chunks == 0 {
		chunks = 1
	}

	if err := s.session.Query(`
		INSERT INTO payloads (payload_key, resource_id, total_size, chunk_count)
		VALUES (?, ?, ?, ?)`,
		key, resourceID, len(payload), chunks).WithContext(ctx).Exec(); err != nil {
		return "", fmt.Errorf("insert payload manifest: %w", err)
	}

	for i := 0; i < chunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.session.Query(`
			INSERT INTO payload_chunks (payload_key, chunk_idx, chunk)
			VALUES (?, ?, ?)`,
			key, i, payload[start:end]).WithContext(ctx).Exec(); err != nil {
			return "", fmt.Errorf("insert payload chunk %d: %w", i, err)
		}
	}

	return key, nil
}

// Fetch reassembles a payload from its chunks, verifying the manifest size.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	var totalSize, chunkCount int
	if err := s.session.Query(`
		SELECT total_size, chunk_count FROM payloads WHERE payload_key = ?`,
		key).WithContext(ctx).Scan(&totalSize, &chunkCount); err != nil {
		if err == gocql.ErrNotFound {
			return nil, persist.ErrNotFound
		}
		return nil, fmt.Errorf("read payload manifest: %w", err)
	}

	payload := make([]byte, 0, totalSize)
	iter := s.session.Query(`
		SELECT chunk FROM payload_chunks WHERE payload_key = ? ORDER BY chunk_idx`,
		key).WithContext(ctx).Iter()

	var chunk []byte
	seen := 0
	for iter.Scan(&chunk) {
		payload = append(payload, chunk...)
		chunk = nil
		seen++
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read payload chunks: %w", err)
	}
	if seen != chunkCount || len(payload) != totalSize {
		return nil, fmt.Errorf("payload %s incomplete: %d/%d chunks, %d/%d bytes",
			key, seen, chunkCount, len(payload), totalSize)
	}
	return payload, nil
}

// Delete removes the manifest and all chunks.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.session.Query(`DELETE FROM payload_chunks WHERE payload_key = ?`,
		key).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("delete payload chunks: %w", err)
	}
	if err := s.session.Query(`DELETE FROM payloads WHERE payload_key = ?`,
		key).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("delete payload manifest: %w", err)
	}
	return nil
}

// Schema returns the CQL statements that create the payload tables. Applied
// by operators; the server never creates its own keyspace.
func Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS payloads (
			payload_key text PRIMARY KEY,
			resource_id bigint,
			total_size int,
			chunk_count int
		)`,
		`CREATE TABLE IF NOT EXISTS payload_chunks (
			payload_key text,
			chunk_idx int,
			chunk blob,
			PRIMARY KEY (payload_key, chunk_idx)
		)`,
	}
}
