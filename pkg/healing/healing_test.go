package healing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/chunknet/pkg/cidutil"
	"github.com/agenthands/chunknet/pkg/core"
	"github.com/agenthands/chunknet/pkg/manifest"
	"github.com/agenthands/chunknet/pkg/registry"
	"github.com/agenthands/chunknet/pkg/transform"
)

// fakeTransport keeps chunk bytes per node address and can fail on demand.
type fakeTransport struct {
	mu        sync.Mutex
	data      map[string]map[string][]byte
	failFetch map[string]bool
	failStore map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		data:      make(map[string]map[string][]byte),
		failFetch: make(map[string]bool),
		failStore: make(map[string]bool),
	}
}

func (f *fakeTransport) seed(addr string, chunk core.CID, stored []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[addr] == nil {
		f.data[addr] = make(map[string][]byte)
	}
	f.data[addr][string(chunk.Bytes)] = stored
}

func (f *fakeTransport) has(addr string, chunk core.CID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[addr][string(chunk.Bytes)]
	return ok
}

func (f *fakeTransport) FetchChunk(ctx context.Context, addr string, chunk core.CID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetch[addr] {
		return nil, fmt.Errorf("injected fetch failure at %s", addr)
	}
	stored, ok := f.data[addr][string(chunk.Bytes)]
	if !ok {
		return nil, fmt.Errorf("%w: chunk not held at %s", core.ErrNotFound, addr)
	}
	return stored, nil
}

func (f *fakeTransport) StoreChunk(ctx context.Context, addr string, chunk core.CID, stored []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStore[addr] {
		return fmt.Errorf("injected store failure at %s", addr)
	}
	if f.data[addr] == nil {
		f.data[addr] = make(map[string][]byte)
	}
	f.data[addr][string(chunk.Bytes)] = stored
	return nil
}

// recordingIndex counts manifest reindex calls.
type recordingIndex struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingIndex) IndexManifest(*manifest.Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *recordingIndex) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	reg       *registry.Registry
	manifests *manifest.Store
	transport *fakeTransport
	index     *recordingIndex
	runner    *Runner
}

func newFixture(t *testing.T, replication int) *fixture {
	t.Helper()

	key, err := transform.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	store, err := manifest.NewStore(manifest.StoreConfig{
		Dir:       t.TempDir(),
		MasterKey: key,
	})
	if err != nil {
		t.Fatal(err)
	}

	fix := &fixture{
		reg:       registry.New(time.Minute),
		manifests: store,
		transport: newFakeTransport(),
		index:     &recordingIndex{},
	}
	fix.runner = NewRunner(Config{
		Replication:  replication,
		Interval:     50 * time.Millisecond,
		FetchTimeout: time.Second,
	}, fix.reg, store, fix.transport, fix.index, zap.NewNop())
	return fix
}

func addrFor(id core.NodeID) string {
	return string(id) + ".local:9000"
}

func (f *fixture) addNode(t *testing.T, id core.NodeID) {
	t.Helper()
	if err := f.reg.Register(core.NodeInfo{ID: id, Address: addrFor(id)}); err != nil {
		t.Fatal(err)
	}
}

// addFile stores a single-chunk manifest and returns its chunk CID and
// sealed bytes. Holders are recorded as given; the bytes are seeded onto
// the listed seeded nodes.
func (f *fixture) addFile(t *testing.T, id core.FileID, holders []core.NodeID, seeded ...core.NodeID) core.CID {
	t.Helper()

	stored := []byte("sealed chunk payload for " + id)
	c, err := cidutil.NewBuilder().ChunkCID(stored)
	if err != nil {
		t.Fatal(err)
	}

	m := &manifest.Manifest{
		Version:  manifest.Version,
		FileID:   id,
		Filename: string(id) + ".bin",
		Length:   uint64(len(stored)),
		DataKey:  make([]byte, transform.KeySize),
		Chunks: []core.ChunkRecord{{
			CID:     c,
			Index:   0,
			Len:     uint32(len(stored)),
			Holders: append([]core.NodeID(nil), holders...),
		}},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.manifests.Save(m); err != nil {
		t.Fatal(err)
	}

	for _, node := range seeded {
		f.transport.seed(addrFor(node), c, stored)
	}
	return c
}

func (f *fixture) holders(t *testing.T, id core.FileID, c core.CID) []core.NodeID {
	t.Helper()
	m, err := f.manifests.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	rec := m.Record(c)
	if rec == nil {
		t.Fatalf("chunk record missing from manifest %s", id)
	}
	return rec.Holders
}

func TestQueue_FIFOAndDedupe(t *testing.T) {
	var q queue
	a := Task{FileID: "f1", Chunk: core.CID{Bytes: []byte("a")}}
	b := Task{FileID: "f1", Chunk: core.CID{Bytes: []byte("b")}}

	if !q.push(a) || !q.push(b) {
		t.Fatal("fresh tasks must enqueue")
	}
	if q.push(a) {
		t.Error("duplicate of a pending task must be suppressed")
	}
	if q.len() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.len())
	}

	got, ok := q.pop()
	if !ok || got.key() != a.key() {
		t.Fatalf("expected FIFO order, got %+v", got)
	}

	// Once popped, the same task may queue again.
	if !q.push(a) {
		t.Error("popped task must be enqueueable again")
	}

	q.pop()
	q.pop()
	if _, ok := q.pop(); ok {
		t.Error("pop on empty queue must report false")
	}
}

func TestRunner_EnqueueDedupe(t *testing.T) {
	fix := newFixture(t, 2)
	c := core.CID{Bytes: []byte("cid")}

	if !fix.runner.Enqueue("f1", c) {
		t.Fatal("first enqueue must be accepted")
	}
	if fix.runner.Enqueue("f1", c) {
		t.Error("second enqueue of the same task must be suppressed")
	}
	if fix.runner.Pending() != 1 {
		t.Errorf("expected 1 pending task, got %d", fix.runner.Pending())
	}
}

func TestRunOnce_HealsDegradedChunk(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")
	fix.addNode(t, "n3")

	c := fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Healed != 1 || res.Failed != 0 || res.Dropped != 0 {
		t.Fatalf("expected one healed chunk, got %+v", res)
	}

	holders := fix.holders(t, "file-1", c)
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders after repair, got %v", holders)
	}
	for _, h := range holders {
		if !fix.transport.has(addrFor(h), c) {
			t.Errorf("holder %s does not actually hold the chunk", h)
		}
	}

	if fix.index.count() == 0 {
		t.Error("repair must reindex the manifest")
	}
	if fix.runner.Pending() != 0 {
		t.Errorf("queue should be empty, %d pending", fix.runner.Pending())
	}
}

func TestRunOnce_PrunesDeadHolders(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")

	// Two live holders plus one that was never registered. Replication is
	// already satisfied, so the pass only prunes.
	c := fix.addFile(t, "file-1", []core.NodeID{"n1", "n2", "ghost"}, "n1", "n2")
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 || res.Healed != 0 {
		t.Fatalf("expected a dropped no-op task, got %+v", res)
	}

	holders := fix.holders(t, "file-1", c)
	if len(holders) != 2 {
		t.Fatalf("expected the ghost pruned, got %v", holders)
	}
	for _, h := range holders {
		if h == "ghost" {
			t.Error("dead holder still present after repair")
		}
	}
}

func TestRunOnce_UnhealableChunkIsDropped(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")

	// The only recorded holder is gone; nothing can serve the bytes.
	c := fix.addFile(t, "file-1", []core.NodeID{"ghost"})
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 {
		t.Fatalf("expected the unhealable task dropped, got %+v", res)
	}
	if fix.runner.Pending() != 0 {
		t.Error("unhealable tasks must not requeue")
	}

	// The record keeps its holder list; the bytes may come back if the
	// node re-registers.
	holders := fix.holders(t, "file-1", c)
	if len(holders) != 1 || holders[0] != "ghost" {
		t.Errorf("unhealable record must stay untouched, got %v", holders)
	}
}

func TestRunOnce_MissingManifestIsDropped(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)

	fix.runner.Enqueue("no-such-file", core.CID{Bytes: []byte("cid")})

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 {
		t.Fatalf("expected the orphan task dropped, got %+v", res)
	}
}

func TestRunOnce_MissingRecordIsDropped(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")

	fix.runner.Enqueue("file-1", core.CID{Bytes: []byte("not a chunk of file-1")})

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped != 1 {
		t.Fatalf("expected the stale task dropped, got %+v", res)
	}
}

func TestRunOnce_RequeuesTransientFailures(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")

	c := fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")
	fix.transport.failFetch[addrFor("n1")] = true
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected a failed task, got %+v", res)
	}
	if fix.runner.Pending() != 1 {
		t.Fatalf("failed task must requeue, %d pending", fix.runner.Pending())
	}

	// The donor recovers; the requeued task heals on the next pass.
	fix.transport.failFetch[addrFor("n1")] = false
	res, err = fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed != 1 {
		t.Fatalf("expected the retry to heal, got %+v", res)
	}
	if got := fix.holders(t, "file-1", c); len(got) != 2 {
		t.Errorf("expected 2 holders after retry, got %v", got)
	}
}

func TestRunOnce_PartialPlacementTopsUp(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 3)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")
	fix.addNode(t, "n3")

	// n3 refuses writes at first, so the first pass places only one of
	// the two copies needed and requeues.
	c := fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")
	fix.transport.failStore[addrFor("n3")] = true
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected partial placement to count as failed, got %+v", res)
	}
	if got := fix.holders(t, "file-1", c); len(got) != 2 {
		t.Fatalf("the successful copy must persist, got %v", got)
	}
	if fix.runner.Pending() != 1 {
		t.Fatal("partially placed task must requeue")
	}

	fix.transport.failStore[addrFor("n3")] = false
	res, err = fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed != 1 {
		t.Fatalf("expected the top-up to heal, got %+v", res)
	}
	if got := fix.holders(t, "file-1", c); len(got) != 3 {
		t.Errorf("expected full replication after top-up, got %v", got)
	}
}

func TestRunOnce_TargetCappedByClusterSize(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 3)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")

	// Only two nodes exist, so a replication factor of three caps at two.
	c := fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")
	fix.runner.Enqueue("file-1", c)

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed != 1 {
		t.Fatalf("expected a heal within cluster capacity, got %+v", res)
	}
	if got := fix.holders(t, "file-1", c); len(got) != 2 {
		t.Errorf("expected 2 holders on a 2-node cluster, got %v", got)
	}
	if fix.runner.Pending() != 0 {
		t.Error("a capped target must not leave the task requeued")
	}
}

func TestScan_QueuesDegradedChunks(t *testing.T) {
	ctx := context.Background()
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")

	under := fix.addFile(t, "file-under", []core.NodeID{"n1"}, "n1")
	fix.addFile(t, "file-ok", []core.NodeID{"n1", "n2"}, "n1", "n2")
	stale := fix.addFile(t, "file-stale", []core.NodeID{"n1", "ghost"}, "n1")

	queued, err := fix.runner.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", queued)
	}
	if fix.runner.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", fix.runner.Pending())
	}

	// A second scan finds the same chunks but the queue suppresses them.
	queued, err = fix.runner.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if queued != 0 {
		t.Errorf("re-scan must not double-queue, got %d", queued)
	}

	res, err := fix.runner.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Healed != 2 {
		t.Fatalf("expected both queued chunks healed, got %+v", res)
	}
	if got := fix.holders(t, "file-under", under); len(got) != 2 {
		t.Errorf("under-replicated file not healed: %v", got)
	}
	if got := fix.holders(t, "file-stale", stale); len(got) != 2 {
		t.Errorf("stale holder not replaced: %v", got)
	}
}

func TestRunner_StartStop(t *testing.T) {
	fix := newFixture(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fix.runner.Start(ctx)
	fix.runner.Start(ctx) // second start is a no-op
	fix.runner.Stop()
	fix.runner.Stop() // second stop is a no-op
}

func TestRunner_KickDrivesRepair(t *testing.T) {
	fix := newFixture(t, 2)
	fix.addNode(t, "n1")
	fix.addNode(t, "n2")
	c := fix.addFile(t, "file-1", []core.NodeID{"n1"}, "n1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fix.runner.Start(ctx)
	defer fix.runner.Stop()

	fix.runner.Enqueue("file-1", c)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(fix.holders(t, "file-1", c)) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("chunk not healed before deadline, holders: %v", fix.holders(t, "file-1", c))
}
