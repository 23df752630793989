package session

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/sejijohn/tuskersd/internal/chat"
	"github.com/sejijohn/tuskersd/internal/remote"
)

func TestPageStoreTwoPages(t *testing.T) {
	// 25 historical messages, page size 20: first page returns 20 with
	// more remaining, second returns the final 5 and halts pagination.
	var msgs []chat.Message
	for i := 1; i <= 25; i++ {
		msgs = append(msgs, mkMsg(fmtID(i), "c1", "u2", int64(i)*1000))
	}
	log := newFakeLog(msgs...)
	set := newMessageSet()
	p := newPageStore(log, set, "c1", 20, time.Second)

	first, err := p.LoadInitial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 20 {
		t.Fatalf("initial page = %d messages, want 20", len(first))
	}
	if !p.HasMore() {
		t.Fatal("HasMore = false after full page")
	}

	second, err := p.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 5 {
		t.Fatalf("older page = %d messages, want 5", len(second))
	}
	if p.HasMore() {
		t.Error("HasMore = true after short page")
	}

	// Exhausted history: further loads are no-ops.
	extra, err := p.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if extra != nil {
		t.Errorf("LoadOlder after exhaustion returned %d messages, want none", len(extra))
	}
	if set.len() != 25 {
		t.Errorf("set holds %d messages, want 25", set.len())
	}
}

func TestPageStoreDedupsBoundaryOverlap(t *testing.T) {
	// The remote returns the boundary message on both pages (races
	// between tail and pagination make this possible); it must appear
	// exactly once in the final set.
	m1 := mkMsg("m1", "c1", "u2", 3000)
	m2 := mkMsg("m2", "c1", "u2", 2000)
	m3 := mkMsg("m3", "c1", "u2", 1000)
	log := newFakeLog()
	log.scripted = []remote.Page{
		{Messages: []chat.Message{m1, m2}, HasMore: true, NextCursor: &remote.Cursor{Before: m2.CreatedAt, ID: m2.ID}},
		{Messages: []chat.Message{m2, m3}, HasMore: false},
	}
	set := newMessageSet()
	p := newPageStore(log, set, "c1", 2, time.Second)

	if _, err := p.LoadInitial(context.Background()); err != nil {
		t.Fatal(err)
	}
	added, err := p.LoadOlder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 1 || added[0].ID != "m3" {
		t.Errorf("second page added %v, want just m3", idsOf(added))
	}
	if set.len() != 3 {
		t.Errorf("set holds %d messages, want 3", set.len())
	}
}

func TestPageStoreResetReenablesPagination(t *testing.T) {
	log := newFakeLog(mkMsg("m1", "c1", "u2", 1000))
	set := newMessageSet()
	p := newPageStore(log, set, "c1", 20, time.Second)

	if _, err := p.LoadInitial(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.HasMore() {
		t.Fatal("HasMore = true for single short page")
	}

	p.Reset()
	set.reset()
	first, err := p.LoadInitial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Errorf("after reset, initial page = %d messages, want 1", len(first))
	}
}

func TestPageStoreSurfacesFetchError(t *testing.T) {
	log := newFakeLog()
	log.queryErr = &remote.FetchError{Op: "query messages", Err: context.DeadlineExceeded}
	p := newPageStore(log, newMessageSet(), "c1", 20, time.Second)

	_, err := p.LoadInitial(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !remote.IsRecoverable(err) {
		t.Errorf("fetch error should be recoverable, got %v", err)
	}
}

func TestMessageSetOrderingInvariant(t *testing.T) {
	// Whatever interleaving delivers m1..m5, the displayed sequence is
	// sorted strictly by CreatedAt descending.
	msgs := []chat.Message{
		mkMsg("m1", "c1", "u2", 1000),
		mkMsg("m2", "c1", "u2", 2000),
		mkMsg("m3", "c1", "u2", 3000),
		mkMsg("m4", "c1", "u2", 4000),
		mkMsg("m5", "c1", "u2", 5000),
	}
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]chat.Message(nil), msgs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		set := newMessageSet()
		for _, m := range shuffled {
			set.upsert(m)
		}

		got := set.snapshot()
		for i := 1; i < len(got); i++ {
			if !got[i-1].CreatedAt.After(got[i].CreatedAt) {
				t.Fatalf("trial %d: order violated at %d: %v", trial, i, idsOf(got))
			}
		}
	}
}

func TestMessageSetUpsertMergesStatus(t *testing.T) {
	set := newMessageSet()
	m := mkMsg("m1", "c1", "u2", 1000)
	m.StatusMap = map[string]chat.Status{"u1": chat.StatusRead}
	set.upsert(m)

	stale := mkMsg("m1", "c1", "u2", 1000)
	stale.StatusMap = map[string]chat.Status{"u1": chat.StatusDelivered}
	added, changed := set.upsert(stale)
	if added || changed {
		t.Errorf("stale snapshot: added=%v changed=%v, want no-op", added, changed)
	}

	got, _ := set.get("m1")
	if got.StatusMap["u1"] != chat.StatusRead {
		t.Errorf("status regressed to %v", got.StatusMap["u1"])
	}
}

func fmtID(i int) string {
	// Zero-padded so lexicographic id order matches numeric order.
	return string([]byte{'m', byte('0' + i/10), byte('0' + i%10)})
}

func idsOf(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
