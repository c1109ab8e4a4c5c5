package pickle

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gwillem/mxkeys/internal/keyderive"
	"github.com/gwillem/mxkeys/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	return s
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

type failingStore struct{ recordStore }

func (failingStore) SavePickleKey(context.Context, string, string, *store.PickleKeyRecord) error {
	return store.ErrStoreUnavailable
}

func TestCreateLoadRoundTrip(t *testing.T) {
	m := NewManager(tempStore(t))
	ctx := context.Background()

	ids := []struct{ user, device string }{
		{"@alice:example.org", "ABCDEFGH"},
		{"@bob:example.org", "DEVICE|WITH|PIPES"},
		{"@cárol:example.org", "ÜNICODE"},
	}
	for _, id := range ids {
		created, err := m.Create(ctx, id.user, id.device)
		if err != nil {
			t.Fatalf("%s/%s: create: %v", id.user, id.device, err)
		}
		raw, err := base64.RawStdEncoding.DecodeString(created)
		if err != nil {
			t.Fatalf("created key is not unpadded base64: %v", err)
		}
		if len(raw) != 32 {
			t.Fatalf("key length: got %d, want 32", len(raw))
		}

		loaded, err := m.Load(ctx, id.user, id.device)
		if err != nil {
			t.Fatalf("%s/%s: load: %v", id.user, id.device, err)
		}
		if loaded != created {
			t.Errorf("%s/%s: got %q, want %q", id.user, id.device, loaded, created)
		}
	}
}

func TestCreateProducesFreshKeys(t *testing.T) {
	m := NewManager(tempStore(t))
	ctx := context.Background()
	a, err := m.Create(ctx, "@a:hs", "D1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Create(ctx, "@a:hs", "D2")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two pickle keys should differ")
	}
}

func TestLoadRejectsSwappedIdentity(t *testing.T) {
	s := tempStore(t)
	m := NewManager(s)
	ctx := context.Background()

	if _, err := m.Create(ctx, "@alice:hs", "X"); err != nil {
		t.Fatal(err)
	}

	// Copy the record for (alice, X) verbatim into the slot for (alice, Y).
	raw, err := s.Get(ctx, store.TablePickleKey, store.PickleKeyID("@alice:hs", "X"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, store.TablePickleKey, store.PickleKeyID("@alice:hs", "Y"), raw); err != nil {
		t.Fatal(err)
	}

	key, err := m.Load(ctx, "@alice:hs", "Y")
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("got %v, want ErrDecryption", err)
	}
	if key != "" {
		t.Errorf("key should be empty, got %q", key)
	}

	// The copied record stays in place.
	still, _ := s.Get(ctx, store.TablePickleKey, store.PickleKeyID("@alice:hs", "Y"))
	if still == nil {
		t.Error("undecryptable record should not be deleted")
	}

	// Original identity still works.
	if _, err := m.Load(ctx, "@alice:hs", "X"); err != nil {
		t.Errorf("original identity: %v", err)
	}
}

func TestAdditionalDataLayout(t *testing.T) {
	got := string(additionalData("@u:hs", "DEV"))
	if got != "@u:hs|DEV" {
		t.Errorf("got %q, want %q", got, "@u:hs|DEV")
	}
	// Ordering matters: swapping user and device changes the AAD.
	if string(additionalData("DEV", "@u:hs")) == got {
		t.Error("AAD must depend on field order")
	}
}

func TestLoadMissing(t *testing.T) {
	m := NewManager(tempStore(t))
	_, err := m.Load(context.Background(), "@a:hs", "D")
	if !errors.Is(err, ErrNoPickleKey) {
		t.Fatalf("got %v, want ErrNoPickleKey", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, store.TablePickleKey, store.PickleKeyID("@a:hs", "D"), []byte("not cbor")); err != nil {
		t.Fatal(err)
	}
	m := NewManager(s)
	_, err := m.Load(ctx, "@a:hs", "D")
	if !errors.Is(err, store.ErrMalformedRecord) {
		t.Fatalf("got %v, want ErrMalformedRecord", err)
	}
}

func TestCreateWithoutRandomness(t *testing.T) {
	s := tempStore(t)
	m := NewManager(s, WithRandom(failingReader{}))
	key, err := m.Create(context.Background(), "@a:hs", "D")
	if !errors.Is(err, keyderive.ErrUnsupportedPlatform) {
		t.Fatalf("got %v, want ErrUnsupportedPlatform", err)
	}
	if key != "" {
		t.Errorf("key should be empty, got %q", key)
	}
	if rec, _ := s.LoadPickleKey(context.Background(), "@a:hs", "D"); rec != nil {
		t.Error("nothing should be persisted")
	}
}

func TestCreatePersistFailure(t *testing.T) {
	m := NewManager(failingStore{})
	key, err := m.Create(context.Background(), "@a:hs", "D")
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if key != "" {
		t.Errorf("key should be empty, got %q", key)
	}
}

func TestConcurrentCreate(t *testing.T) {
	m := NewManager(tempStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, "@a:hs", "D"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Whatever record won, it must be loadable.
	if _, err := m.Load(ctx, "@a:hs", "D"); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	m := NewManager(tempStore(t))
	ctx := context.Background()

	first, err := m.LoadOrCreate(ctx, "@a:hs", "D")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.LoadOrCreate(ctx, "@a:hs", "D")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("second call should load the existing key: %q != %q", second, first)
	}
}

// countingRecords counts pickle key writes.
type countingRecords struct {
	*store.Store
	mu    sync.Mutex
	saves int
}

func (s *countingRecords) SavePickleKey(ctx context.Context, userID, deviceID string, rec *store.PickleKeyRecord) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.Store.SavePickleKey(ctx, userID, deviceID, rec)
}

func TestConcurrentLoadOrCreate(t *testing.T) {
	records := &countingRecords{Store: tempStore(t)}
	m := NewManager(records)
	ctx := context.Background()

	const n = 16
	keys := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys[i], errs[i] = m.LoadOrCreate(ctx, "@a:hs", "D")
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if keys[i] != keys[0] {
			t.Fatalf("caller %d got a different key", i)
		}
	}
	if records.saves != 1 {
		t.Errorf("pickle key written %d times, want 1", records.saves)
	}
	loaded, err := m.Load(ctx, "@a:hs", "D")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != keys[0] {
		t.Error("stored key differs from the one handed out")
	}
}
