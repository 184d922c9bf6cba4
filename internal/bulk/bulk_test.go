package bulk

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/invenrich/internal/runstate"
	"github.com/kalambet/invenrich/internal/storage"
)

// countingStore wraps the real store and counts run lookups made inside
// the unit of work.
type countingStore struct {
	*storage.Store
	lookups int
	failOn  string
	begins  int
	loadErr error
}

func (c *countingStore) ListInstanceItemIDs(ctx context.Context) ([]string, error) {
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.Store.ListInstanceItemIDs(ctx)
}

func (c *countingStore) Begin(ctx context.Context) (UnitOfWork, error) {
	c.begins++
	tx, err := c.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTx{Tx: tx, parent: c}, nil
}

type countingTx struct {
	*storage.Tx
	parent *countingStore
}

func (t *countingTx) GetRun(ctx context.Context, itemID string) (storage.Run, error) {
	t.parent.lookups++
	return t.Tx.GetRun(ctx, itemID)
}

func (t *countingTx) UpsertRun(ctx context.Context, run storage.Run) error {
	if run.ItemID == t.parent.failOn {
		return errors.New("disk full")
	}
	return t.Tx.UpsertRun(ctx, run)
}

func newTestService(t *testing.T) (*Service, *countingStore) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cs := &countingStore{Store: s}
	return newService(cs, nil), cs
}

func addInstanceItem(t *testing.T, s *storage.Store, itemID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveItem(ctx, storage.Item{ItemID: itemID}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddInstance(ctx, storage.Instance{InstanceID: "inst-" + itemID, ItemID: itemID}); err != nil {
		t.Fatal(err)
	}
}

func TestBuildCandidates_InstancePrecedence(t *testing.T) {
	got := BuildCandidates([]string{"A-1 ", "B-2", " B-2"}, []string{"A-1", "C-3", ""})
	if len(got) != 3 {
		t.Fatalf("candidates = %+v, want 3", got)
	}
	if got[0].ItemID != "A-1" || got[0].ReferenceOnly {
		t.Errorf("candidate 0 = %+v, want instance A-1", got[0])
	}
	if got[1].ItemID != "B-2" || got[1].ReferenceOnly {
		t.Errorf("candidate 1 = %+v", got[1])
	}
	if got[2].ItemID != "C-3" || !got[2].ReferenceOnly {
		t.Errorf("candidate 2 = %+v, want reference-only C-3", got[2])
	}
}

func TestBuildCandidates_CaseSensitiveIDs(t *testing.T) {
	got := BuildCandidates([]string{"abc"}, []string{"ABC", "abc"})
	if len(got) != 2 {
		t.Fatalf("candidates = %+v, want abc and ABC", got)
	}
	if got[0].ItemID != "abc" || got[0].ReferenceOnly {
		t.Errorf("candidate 0 = %+v, want instance abc", got[0])
	}
	if got[1].ItemID != "ABC" || !got[1].ReferenceOnly {
		t.Errorf("candidate 1 = %+v, want reference-only ABC", got[1])
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"all": ModeAll, "MISSING": ModeMissing, "instancesOnly": ModeInstancesOnly, " InstancesOnly ": ModeInstancesOnly, "instances_only": ModeInstancesOnly} {
		if got, err := ParseMode(in); err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("some"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}
}

func TestQueue_Missing(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	addInstanceItem(t, cs.Store, "A")
	addInstanceItem(t, cs.Store, "B")
	if err := cs.UpsertRun(ctx, storage.Run{ItemID: "A", Status: runstate.StatusApproved}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Queue(ctx, ModeMissing, "ops")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if res.Total != 2 || res.Queued != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want total 2 queued 1 skipped 1", res)
	}
	if n, _ := cs.CountEvents(ctx, "", storage.EventSearchQueued); n != 1 {
		t.Errorf("queued events = %d, want 1", n)
	}
	if n, _ := cs.CountEvents(ctx, "B", storage.EventSearchQueued); n != 1 {
		t.Errorf("queued events for B = %d, want 1", n)
	}
	a, _ := cs.GetRun(ctx, "A")
	if a.Status != runstate.StatusApproved {
		t.Errorf("existing run touched: %s", a.Status)
	}
}

func TestQueue_AllRequeuesExisting(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		addInstanceItem(t, cs.Store, id)
		if err := cs.UpsertRun(ctx, storage.Run{ItemID: id, Status: runstate.StatusFailed}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := svc.Queue(ctx, ModeAll, "ops")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if res.Queued != 2 || res.Skipped != 0 {
		t.Errorf("result = %+v, want queued 2 skipped 0", res)
	}
	if cs.lookups != 0 {
		t.Errorf("run lookups = %d in mode all", cs.lookups)
	}
	for _, id := range []string{"A", "B"} {
		run, _ := cs.GetRun(ctx, id)
		if run.Status != runstate.StatusQueued {
			t.Errorf("%s status = %s, want queued", id, run.Status)
		}
		if n, _ := cs.CountRuns(ctx, id); n != 1 {
			t.Errorf("%s has %d run rows", id, n)
		}
	}
}

func TestQueue_InstancesOnlyNeverLooksUpRuns(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	if err := cs.SaveItem(ctx, storage.Item{ItemID: "REF"}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Queue(ctx, ModeInstancesOnly, "ops")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if res.Queued != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v, want queued 0 skipped 1", res)
	}
	if cs.lookups != 0 {
		t.Errorf("run lookups = %d, want 0", cs.lookups)
	}
}

func TestQueue_WriteFailureRollsBackEverything(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	addInstanceItem(t, cs.Store, "A")
	addInstanceItem(t, cs.Store, "B")
	cs.failOn = "B"

	if _, err := svc.Queue(ctx, ModeAll, "ops"); err == nil {
		t.Fatal("expected error")
	}
	if n, _ := cs.CountRuns(ctx, "A"); n != 0 {
		t.Errorf("run for A survived rollback")
	}
	if n, _ := cs.CountEvents(ctx, "", storage.EventSearchQueued); n != 0 {
		t.Errorf("events survived rollback: %d", n)
	}
}

func TestQueue_LoadFailureBeforeTransaction(t *testing.T) {
	svc, cs := newTestService(t)
	cs.loadErr = errors.New("db gone")

	if _, err := svc.Queue(context.Background(), ModeAll, "ops"); err == nil {
		t.Fatal("expected error")
	}
	if cs.begins != 0 {
		t.Errorf("transaction begun %d times after load failure", cs.begins)
	}
}

func TestQueue_RequiresActor(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Queue(context.Background(), ModeAll, " "); !errors.Is(err, ErrActorRequired) {
		t.Errorf("err = %v, want ErrActorRequired", err)
	}
}

func TestQueue_ItemIDsDifferingOnlyInCase(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	addInstanceItem(t, cs.Store, "abc")
	if err := cs.SaveItem(ctx, storage.Item{ItemID: "ABC"}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Queue(ctx, ModeAll, "ops")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if res.Total != 2 || res.Queued != 2 {
		t.Errorf("result = %+v, want total 2 queued 2", res)
	}
	for _, id := range []string{"abc", "ABC"} {
		if run, err := cs.GetRun(ctx, id); err != nil || run.Status != runstate.StatusQueued {
			t.Errorf("%s run = %+v, %v", id, run, err)
		}
	}
}

func TestQueue_OnQueuedFiresAfterCommit(t *testing.T) {
	svc, cs := newTestService(t)
	ctx := context.Background()
	addInstanceItem(t, cs.Store, "A")
	woken := 0
	svc.OnQueued(func() {
		woken++
		if run, err := cs.GetRun(ctx, "A"); err != nil || run.Status != runstate.StatusQueued {
			t.Errorf("hook ran before commit: %+v, %v", run, err)
		}
	})

	if _, err := svc.Queue(ctx, ModeAll, "ops"); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if woken != 1 {
		t.Errorf("hook calls = %d, want 1", woken)
	}

	// Nothing left to queue in missing mode.
	res, err := svc.Queue(ctx, ModeMissing, "ops")
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if res.Queued != 0 || woken != 1 {
		t.Errorf("result = %+v, hook calls = %d; want no wake for an empty batch", res, woken)
	}
}
