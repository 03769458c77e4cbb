package fs

import (
	"bytes"
	"context"
	"elogbook/internal/blob/core"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetHeadList(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	body := []byte("\"id\",\"timestamp\"\r\n")
	info, err := store.Put(ctx, "reports/audit/2026-03.csv", bytes.NewReader(body), core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"requester": "u1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(body)) || len(info.ETag) != 64 {
		t.Fatalf("unexpected info %+v", info)
	}
	head, err := store.Head(ctx, "reports/audit/2026-03.csv")
	if err != nil || head.ETag != info.ETag || head.Metadata["requester"] != "u1" {
		t.Fatalf("head: %+v %v", head, err)
	}
	got, rc, err := store.Get(ctx, "reports/audit/2026-03.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bytes.Equal(data, body) || got.ContentType != "text/csv" {
		t.Fatalf("unexpected get artifacts")
	}
	if _, err := store.Put(ctx, "reports/entries/x.csv", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}
	list, err := store.List(ctx, "reports/audit/")
	if err != nil || len(list) != 1 || list[0].Key != "reports/audit/2026-03.csv" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("expected sorted listing, got %+v", all)
	}
	url, err := store.PresignURL(ctx, "reports/audit/2026-03.csv", core.SignedURLOptions{})
	if err != nil || url != "http://local.blob/reports/audit/2026-03.csv" {
		t.Fatalf("presign: %s %v", url, err)
	}
	if _, err := store.PresignURL(ctx, "x", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestStoreIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "k.csv", bytes.NewReader([]byte("first")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k.csv", bytes.NewReader([]byte("second")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	dataPath, _, _ := store.pathFor("k.csv")
	st, err := os.Stat(dataPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm()&0o222 != 0 {
		t.Fatalf("archived blob must be read-only, mode %v", st.Mode())
	}
	_, rc, _ := store.Get(ctx, "k.csv")
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "first" {
		t.Fatalf("original content replaced: %q", data)
	}
}

func TestStoreConcurrentPutsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, "race.csv", bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, core.ErrExists) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "../escape.txt", "/abs.txt", "x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
	if _, err := store.Put(ctx, "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := store.Head(ctx, "bad.bin"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("failed put must not leave a blob, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if store.Driver() != core.DriverFilesystem || store.Root() == "" {
		t.Fatalf("unexpected driver/root")
	}
}
