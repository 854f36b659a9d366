// Package bulk moves serialized resources between the blob store and the
// persistence engine: NDJSON import with bounded fan-out and NDJSON export.
package bulk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/fhirstore/internal/persist"
	"github.com/ehr/fhirstore/internal/persist/params"
	"github.com/ehr/fhirstore/internal/platform/blobstore"
	"github.com/ehr/fhirstore/internal/platform/db"
)

// maxLineBytes bounds one NDJSON line during import. Oversized resources
// belong in the payload-offload path, not in a bulk file.
const maxLineBytes = 32 * 1024 * 1024

// storeRetries is how many times a line is retried after losing a version
// race to a concurrent writer. Each retry re-reads the current version.
const storeRetries = 3

// Extractor produces the search parameter values for a serialized resource.
// Extraction is owned by the search layer; bulk only forwards the results.
type Extractor func(resourceType string, payload []byte) ([]params.Value, error)

// envelope is one import line.
type envelope struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Deleted      bool            `json:"deleted,omitempty"`
	Resource     json.RawMessage `json:"resource"`
}

// Importer drives bulk import runs.
type Importer struct {
	engine   *persist.Engine
	provider *db.Provider
	source   blobstore.BlobStore
	extract  Extractor
	workers  int
	logger   zerolog.Logger
}

// ImportResult summarizes one run.
type ImportResult struct {
	Total    int
	Stored   int
	Failed   int
	Failures []LineError
}

// LineError records one failed line without aborting the run.
type LineError struct {
	Line int
	Err  error
}

func NewImporter(engine *persist.Engine, provider *db.Provider, source blobstore.BlobStore,
	extract Extractor, workers int, logger zerolog.Logger) *Importer {
	if workers < 1 {
		workers = 1
	}
	return &Importer{
		engine:   engine,
		provider: provider,
		source:   source,
		extract:  extract,
		workers:  workers,
		logger:   logger.With().Str("component", "bulk-import").Logger(),
	}
}

// Run imports one NDJSON blob. Each line is stored in its own transaction;
// line failures are collected rather than failing the run, so one bad
// resource never poisons a multi-million-line file.
func (im *Importer) Run(ctx context.Context, key db.ConfigKey, blobName string) (*ImportResult, error) {
	rc, err := im.source.Get(ctx, blobName)
	if err != nil {
		return nil, fmt.Errorf("open import blob %s: %w", blobName, err)
	}
	defer rc.Close()

	type job struct {
		line int
		data []byte
	}

	jobs := make(chan job, im.workers)
	result := &ImportResult{}
	var mu failuresLock

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < im.workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				if err := im.importLine(gctx, key, j.data); err != nil {
					im.logger.Warn().Err(err).Int("line", j.line).Msg("import line failed")
					mu.add(result, LineError{Line: j.line, Err: err})
					continue
				}
				mu.stored(result)
			}
			return nil
		})
	}

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		result.Total++
		select {
		case jobs <- job{line: line, data: data}:
		case <-gctx.Done():
			close(jobs)
			_ = g.Wait()
			return result, gctx.Err()
		}
	}
	close(jobs)
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read import blob: %w", err)
	}

	im.logger.Info().
		Int("total", result.Total).
		Int("stored", result.Stored).
		Int("failed", result.Failed).
		Str("blob", blobName).
		Msg("import run complete")
	return result, nil
}

// importLine stores one resource. Version races against live traffic are
// retried with a fresh read, reproducing the read-modify-write cycle a
// well-behaved client would run.
func (im *Importer) importLine(ctx context.Context, key db.ConfigKey, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse line: %w", err)
	}
	if env.ResourceType == "" || env.ID == "" {
		return errors.New("line missing resourceType or id")
	}

	payload := []byte(env.Resource)
	var values []params.Value
	if im.extract != nil && !env.Deleted {
		var err error
		values, err = im.extract(env.ResourceType, payload)
		if err != nil {
			return fmt.Errorf("extract parameters: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= storeRetries; attempt++ {
		lastErr = im.provider.InTx(ctx, key, func(ctx context.Context) error {
			version := 1
			_, current, err := im.engine.Read(ctx, env.ResourceType, env.ID)
			switch {
			case err == nil:
				version = current.Version + 1
			case errors.Is(err, persist.ErrNotFound):
			default:
				return err
			}

			_, err = im.engine.Store(ctx, &persist.StoreRequest{
				ResourceType:  env.ResourceType,
				LogicalID:     env.ID,
				Payload:       payload,
				Version:       version,
				LastUpdated:   time.Now().UTC(),
				Deleted:       env.Deleted,
				ParameterHash: params.Hash(values),
				Parameters:    values,
			})
			return err
		})
		if !errors.Is(lastErr, persist.ErrVersionMismatch) {
			break
		}
	}
	return lastErr
}

type failuresLock struct {
	mu sync.Mutex
}

func (f *failuresLock) add(r *ImportResult, le LineError) {
	f.mu.Lock()
	r.Failed++
	r.Failures = append(r.Failures, le)
	f.mu.Unlock()
}

func (f *failuresLock) stored(r *ImportResult) {
	f.mu.Lock()
	r.Stored++
	f.mu.Unlock()
}
