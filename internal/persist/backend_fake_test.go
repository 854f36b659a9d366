package persist

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	errFakeDuplicate = errors.New("duplicate key")
	errFakeFK        = errors.New("foreign key violation")
)

type identKey struct {
	typeID    int
	logicalID string
}

// fakeBackend is an in-memory Backend for engine tests. It mirrors the
// relational layout closely enough to exercise the protocol branches:
// identity rows, head records, version rows, change log, dictionaries and
// the reindex columns.
type fakeBackend struct {
	types  map[string]int
	idents map[identKey]int64
	heads  map[int64]*LogicalResource
	vers   map[int64][]*VersionRow
	log    []ChangeLogEntry

	paramRows    map[int64]*ParamRows
	deleteParams int
	insertParams int

	names      map[string]int
	systems    map[string]int
	tokens     map[TokenKey]int64
	canonicals map[string]int64

	// captured resolution inputs, for order assertions
	resolvedNames  [][]string
	resolvedTokens [][]TokenKey

	reindexTstamp map[int64]*time.Time
	reindexTxid   map[int64]int64

	seq        int64
	changeSeq  int64
	reindexSeq int64

	// missIdentityOnce makes the next LockIdentity report not-found even
	// when the row exists, simulating a lost creation race.
	missIdentityOnce bool
	// dupOnInsertIdentity fails InsertIdentity with a duplicate key error.
	dupOnInsertIdentity bool
	// fkOnInsertHead fails InsertLogicalResource with an FK violation.
	fkOnInsertHead bool
}

func newFakeBackend(types ...string) *fakeBackend {
	b := &fakeBackend{
		types:         make(map[string]int),
		idents:        make(map[identKey]int64),
		heads:         make(map[int64]*LogicalResource),
		vers:          make(map[int64][]*VersionRow),
		paramRows:     make(map[int64]*ParamRows),
		names:         make(map[string]int),
		systems:       make(map[string]int),
		tokens:        make(map[TokenKey]int64),
		canonicals:    make(map[string]int64),
		reindexTstamp: make(map[int64]*time.Time),
		reindexTxid:   make(map[int64]int64),
	}
	for i, t := range types {
		b.types[t] = i + 1
	}
	return b
}

func (b *fakeBackend) ResourceTypeID(_ context.Context, resourceType string) (int, error) {
	id, ok := b.types[resourceType]
	if !ok {
		return 0, ErrResourceTypeNotRegistered
	}
	return id, nil
}

func (b *fakeBackend) LockIdentity(_ context.Context, typeID int, logicalID string) (int64, bool, error) {
	if b.missIdentityOnce {
		b.missIdentityOnce = false
		return 0, false, nil
	}
	id, ok := b.idents[identKey{typeID, logicalID}]
	return id, ok, nil
}

func (b *fakeBackend) FindIdentity(_ context.Context, typeID int, logicalID string) (int64, bool, error) {
	id, ok := b.idents[identKey{typeID, logicalID}]
	return id, ok, nil
}

func (b *fakeBackend) NextLogicalResourceID(_ context.Context) (int64, error) {
	b.seq++
	return b.seq, nil
}

func (b *fakeBackend) NextResourceID(_ context.Context) (int64, error) {
	b.seq++
	return b.seq, nil
}

func (b *fakeBackend) InsertIdentity(_ context.Context, typeID int, logicalID string, logicalResourceID int64) error {
	key := identKey{typeID, logicalID}
	if b.dupOnInsertIdentity {
		b.dupOnInsertIdentity = false
		return errFakeDuplicate
	}
	if _, exists := b.idents[key]; exists {
		return errFakeDuplicate
	}
	b.idents[key] = logicalResourceID
	return nil
}

func (b *fakeBackend) ReadLogicalResource(_ context.Context, id int64) (*LogicalResource, error) {
	lr, ok := b.heads[id]
	if !ok {
		return nil, nil
	}
	cp := *lr
	return &cp, nil
}

func (b *fakeBackend) InsertLogicalResource(_ context.Context, lr *LogicalResource) error {
	if b.fkOnInsertHead {
		return errFakeFK
	}
	cp := *lr
	b.heads[lr.LogicalResourceID] = &cp
	return nil
}

func (b *fakeBackend) UpdateLogicalResource(_ context.Context, lr *LogicalResource) error {
	cp := *lr
	b.heads[lr.LogicalResourceID] = &cp
	return nil
}

func (b *fakeBackend) InsertResourceVersion(_ context.Context, v *VersionRow) error {
	cp := *v
	b.vers[v.LogicalResourceID] = append(b.vers[v.LogicalResourceID], &cp)
	return nil
}

func (b *fakeBackend) ReadVersion(_ context.Context, id int64, version int) (*VersionRow, error) {
	for _, v := range b.vers[id] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) ReadVersions(_ context.Context, id int64, limit, offset int) ([]*VersionRow, int, error) {
	all := append([]*VersionRow{}, b.vers[id]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Version > all[j].Version })
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (b *fakeBackend) DeleteParameters(_ context.Context, id int64) error {
	b.deleteParams++
	delete(b.paramRows, id)
	return nil
}

func (b *fakeBackend) InsertParameters(_ context.Context, id int64, rows *ParamRows) error {
	b.insertParams++
	b.paramRows[id] = rows
	return nil
}

func (b *fakeBackend) ResolveParameterNames(_ context.Context, names []string) (map[string]int, error) {
	b.resolvedNames = append(b.resolvedNames, append([]string{}, names...))
	out := make(map[string]int, len(names))
	for _, n := range names {
		if _, ok := b.names[n]; !ok {
			b.names[n] = len(b.names) + 1
		}
		out[n] = b.names[n]
	}
	return out, nil
}

func (b *fakeBackend) ResolveCodeSystems(_ context.Context, systems []string) (map[string]int, error) {
	out := make(map[string]int, len(systems))
	for _, s := range systems {
		if _, ok := b.systems[s]; !ok {
			b.systems[s] = len(b.systems) + 1
		}
		out[s] = b.systems[s]
	}
	return out, nil
}

func (b *fakeBackend) ResolveCommonTokenValues(_ context.Context, keys []TokenKey) (map[TokenKey]int64, error) {
	b.resolvedTokens = append(b.resolvedTokens, append([]TokenKey{}, keys...))
	out := make(map[TokenKey]int64, len(keys))
	for _, k := range keys {
		if _, ok := b.tokens[k]; !ok {
			b.tokens[k] = int64(len(b.tokens) + 1)
		}
		out[k] = b.tokens[k]
	}
	return out, nil
}

func (b *fakeBackend) ResolveCanonicalValues(_ context.Context, urls []string) (map[string]int64, error) {
	out := make(map[string]int64, len(urls))
	for _, u := range urls {
		if _, ok := b.canonicals[u]; !ok {
			b.canonicals[u] = int64(len(b.canonicals) + 1)
		}
		out[u] = b.canonicals[u]
	}
	return out, nil
}

func (b *fakeBackend) ListCurrent(_ context.Context, typeID int, after int64, limit int) ([]CurrentResource, error) {
	var ids []int64
	for id, lr := range b.heads {
		if lr.ResourceTypeID == typeID && id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit < len(ids) {
		ids = ids[:limit]
	}

	var out []CurrentResource
	for _, id := range ids {
		lr := b.heads[id]
		v, _ := b.ReadVersion(context.Background(), id, lr.CurrentVersion)
		out = append(out, CurrentResource{
			LogicalResourceID: id,
			LogicalID:         lr.LogicalID,
			Version:           v.Version,
			Payload:           v.Payload,
			PayloadKey:        v.PayloadKey,
			LastUpdated:       v.LastUpdated,
			Deleted:           v.Deleted,
		})
	}
	return out, nil
}

func (b *fakeBackend) InsertChangeLogEntry(_ context.Context, e *ChangeLogEntry) error {
	b.changeSeq++
	cp := *e
	cp.ChangeID = b.changeSeq
	b.log = append(b.log, cp)
	return nil
}

func (b *fakeBackend) ReadChanges(_ context.Context, after int64, limit int) ([]ChangeLogEntry, error) {
	var out []ChangeLogEntry
	for _, e := range b.log {
		if e.ChangeID > after {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *fakeBackend) NextReindexTxID(_ context.Context) (int64, error) {
	b.reindexSeq++
	return b.reindexSeq, nil
}

func (b *fakeBackend) MarkReindexBatch(_ context.Context, txID int64, cutoff time.Time, batchSize int) (int, error) {
	var ids []int64
	for id := range b.heads {
		ts := b.reindexTstamp[id]
		if ts == nil || ts.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	// nulls first, then oldest, then id
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := b.reindexTstamp[ids[i]], b.reindexTstamp[ids[j]]
		switch {
		case ti == nil && tj != nil:
			return true
		case ti != nil && tj == nil:
			return false
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		}
		return ids[i] < ids[j]
	})
	if batchSize < len(ids) {
		ids = ids[:batchSize]
	}
	// Stamp past the cutoff so a future cutoff cannot re-claim these rows.
	stamp := time.Now()
	if cutoff.After(stamp) {
		stamp = cutoff
	}
	for _, id := range ids {
		b.reindexTxid[id] = txID
		ts := stamp
		b.reindexTstamp[id] = &ts
	}
	return len(ids), nil
}

func (b *fakeBackend) FetchReindexBatch(_ context.Context, txID int64) ([]ReindexEntry, error) {
	var ids []int64
	for id, tx := range b.reindexTxid {
		if tx == txID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []ReindexEntry
	for _, id := range ids {
		lr := b.heads[id]
		var typeName string
		for name, tid := range b.types {
			if tid == lr.ResourceTypeID {
				typeName = name
			}
		}
		out = append(out, ReindexEntry{
			ResourceType:      typeName,
			LogicalID:         lr.LogicalID,
			LogicalResourceID: id,
		})
	}
	return out, nil
}

func (b *fakeBackend) IsDuplicateKey(err error) bool {
	return errors.Is(err, errFakeDuplicate)
}

func (b *fakeBackend) IsForeignKeyViolation(err error) bool {
	return errors.Is(err, errFakeFK)
}

var _ Backend = (*fakeBackend)(nil)
