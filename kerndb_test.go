package kerndb

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"kerndb/btree"
)

func key(k uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, k)
	return buf
}

func TestOpenCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.DBPath = filepath.Join(dir, "db.dat")
	opts.LogPath = filepath.Join(dir, "wal.log")
	opts.PoolFrames = 16
	opts.LeafMaxSize = 4
	opts.InternalMaxSize = 3

	k, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := uint64(1); i <= 20; i++ {
		ok, err := k.Index().Insert(key(i), btree.RID{PageID: int32(i)})
		if err != nil || !ok {
			t.Fatalf("Insert(%d): ok=%v err=%v", i, ok, err)
		}
	}
	for i := uint64(1); i <= 20; i++ {
		rid, found, err := k.Index().GetValue(key(i))
		if err != nil || !found || rid.PageID != int32(i) {
			t.Fatalf("GetValue(%d) = %+v found=%v err=%v", i, rid, found, err)
		}
	}

	headerID := k.IndexHeaderPageID()

	if ok, err := k.Index().Remove(key(10)); err != nil || !ok {
		t.Fatalf("Remove(10): ok=%v err=%v", ok, err)
	}
	if _, found, _ := k.Index().GetValue(key(10)); found {
		t.Fatalf("key 10 should be gone after Remove")
	}

	if err := k.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	k2, err := OpenExisting(opts, headerID)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer k2.Close()

	rid, found, err := k2.Index().GetValue(key(5))
	if err != nil || !found || rid.PageID != 5 {
		t.Fatalf("GetValue(5) after reopen = %+v found=%v err=%v", rid, found, err)
	}
	if _, found, _ := k2.Index().GetValue(key(10)); found {
		t.Fatalf("removed key 10 reappeared after reopen")
	}
}
