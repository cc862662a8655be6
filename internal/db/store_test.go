package db

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetDelete(t *testing.T) {
	store := openTestStore(t)

	if err := store.Put(DefaultTable, "k1", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var v string
	found, err := store.Get(DefaultTable, "k1", &v)
	if err != nil || !found || v != "v1" {
		t.Fatalf("Get = (%q, %v, %v)", v, found, err)
	}

	// Overwrite is allowed.
	if err := store.Put(DefaultTable, "k1", "v2"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if _, err := store.Get(DefaultTable, "k1", &v); err != nil || v != "v2" {
		t.Fatalf("Get after overwrite = (%q, %v)", v, err)
	}

	if err := store.Delete(DefaultTable, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, _ := store.ContainsKey(DefaultTable, "k1"); found {
		t.Error("key still present after delete")
	}
	if err := store.Delete(DefaultTable, "k1"); !errors.Is(err, ErrKeyDoesNotExist) {
		t.Errorf("strict delete of a missing key = %v, want ErrKeyDoesNotExist", err)
	}
}

func TestPutIfAbsent(t *testing.T) {
	store := openTestStore(t)
	if err := store.PutIfAbsent(DefaultTable, "k", 1); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if err := store.PutIfAbsent(DefaultTable, "k", 2); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("second PutIfAbsent = %v, want ErrKeyAlreadyExists", err)
	}
	var v int
	if _, err := store.Get(DefaultTable, "k", &v); err != nil || v != 1 {
		t.Errorf("value was clobbered: %d, %v", v, err)
	}
}

func TestTables(t *testing.T) {
	store := openTestStore(t)
	if err := store.CreateTable("w1"); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := store.CreateTable("w1"); !errors.Is(err, ErrTableAlreadyExists) {
		t.Errorf("duplicate CreateTable = %v", err)
	}
	exists, err := store.TableExists("w1")
	if err != nil || !exists {
		t.Fatalf("TableExists = (%v, %v)", exists, err)
	}
	if err := store.Put("w1", "a", 1); err != nil {
		t.Fatalf("Put into named table: %v", err)
	}
	if err := store.DropTable("w1"); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if exists, _ := store.TableExists("w1"); exists {
		t.Error("table survived DropTable")
	}
	if err := store.DropTable("w1"); !errors.Is(err, ErrTableDoesNotExist) {
		t.Errorf("second DropTable = %v", err)
	}
	if _, _, err := store.GetRaw("missing", "a"); !errors.Is(err, ErrTableDoesNotExist) {
		t.Errorf("Get on missing table = %v", err)
	}
}

func TestPrefixScanOrdering(t *testing.T) {
	store := openTestStore(t)
	part := WalletPartition

	// Obsolete configs sort before the current one under the same primary
	// key, so one ranged scan lists them without touching the current cell.
	if err := store.Put(DefaultTable, part.CurrentSubwalletKey(), "current"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint32{3, 1, 20} {
		if err := store.Put(DefaultTable, part.ObsoleteSubwalletKey(id), id); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := store.ListKeys(DefaultTable, part.ObsoleteSubwalletPrefix())
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	want := []string{
		part.ObsoleteSubwalletKey(1),
		part.ObsoleteSubwalletKey(3),
		part.ObsoleteSubwalletKey(20),
	}
	if len(keys) != len(want) {
		t.Fatalf("scan returned %d keys, want %d (must not include the current cell)", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}

	// Tx summaries order by zero-padded height.
	if err := store.Put(DefaultTable, part.TxSummaryKey("aaaa", 500), 1); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(DefaultTable, part.TxSummaryKey("bbbb", 99), 2); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(DefaultTable, part.TxSummaryKey("cccc", UnconfirmedHeight), 3); err != nil {
		t.Fatal(err)
	}
	sumKeys, err := store.ListKeys(DefaultTable, part.TxSummaryPrefix())
	if err != nil {
		t.Fatal(err)
	}
	if len(sumKeys) != 3 ||
		sumKeys[0] != part.TxSummaryKey("bbbb", 99) ||
		sumKeys[1] != part.TxSummaryKey("aaaa", 500) ||
		sumKeys[2] != part.TxSummaryKey("cccc", UnconfirmedHeight) {
		t.Errorf("tx summary keys out of order: %v", sumKeys)
	}
}

func TestTransactionAtomicity(t *testing.T) {
	store := openTestStore(t)

	txn, err := store.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := txn.EnsureTable("w1"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Put(DefaultTable, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := txn.Put("w1", "b", 2); err != nil {
		t.Fatal(err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if found, _ := store.ContainsKey(DefaultTable, "a"); found {
		t.Error("aborted write became visible")
	}
	if exists, _ := store.TableExists("w1"); exists {
		t.Error("aborted table creation became visible")
	}

	// Cross-table writes in one session commit together.
	txn, err = store.BeginWrite()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.EnsureTable("w1"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Put(DefaultTable, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := txn.Put("w1", "b", 2); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	var got int
	if _, err := store.Get("w1", "b", &got); err != nil || got != 2 {
		t.Errorf("committed write lost: %d, %v", got, err)
	}
}

func TestCompareAndPut(t *testing.T) {
	store := openTestStore(t)

	// Expected-absent succeeds only when the key is absent.
	txn, _ := store.BeginWrite()
	if err := txn.CompareAndPut(DefaultTable, "cas", nil, "v1"); err != nil {
		t.Fatalf("CompareAndPut(nil): %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, _ = store.BeginWrite()
	if err := txn.CompareAndPut(DefaultTable, "cas", nil, "v2"); !errors.Is(err, ErrCompareAndSwap) {
		t.Errorf("CompareAndPut(nil) on present key = %v", err)
	}
	txn.Abort()

	txn, _ = store.BeginWrite()
	if err := txn.CompareAndPut(DefaultTable, "cas", "wrong", "v2"); !errors.Is(err, ErrCompareAndSwap) {
		t.Errorf("CompareAndPut(wrong) = %v", err)
	}
	txn.Abort()

	txn, _ = store.BeginWrite()
	if err := txn.CompareAndPut(DefaultTable, "cas", "v1", "v2"); err != nil {
		t.Fatalf("CompareAndPut(v1): %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
	var v string
	if _, err := store.Get(DefaultTable, "cas", &v); err != nil || v != "v2" {
		t.Errorf("CAS result = %q, %v", v, err)
	}
}
