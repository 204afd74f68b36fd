package file

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

func snapshotTrades() []*domain.Trade {
	return []*domain.Trade{
		{
			Hash:        "0x2",
			Timestamp:   2000,
			TokenAmount: decimal.RequireFromString("120.5"),
			BaseAmount:  decimal.RequireFromString("0.003"),
			Action:      domain.ActionBuy,
			Source:      domain.Source("pancake"),
			Buyer:       "0xbuyer",
		},
		{
			Hash:        "0x1",
			Timestamp:   1000,
			TokenAmount: decimal.RequireFromString("50"),
			BaseAmount:  decimal.RequireFromString("0.0012"),
			Action:      domain.ActionSell,
			Source:      domain.SourceExternal,
			Seller:      "0xseller",
		},
	}
}

func TestSnapshotStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewSnapshotStore(path)

	want := snapshotTrades()
	if err := s.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded %d trades, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Hash != want[i].Hash {
			t.Errorf("trade %d hash = %s, want %s", i, got[i].Hash, want[i].Hash)
		}
		if !got[i].TokenAmount.Equal(want[i].TokenAmount) {
			t.Errorf("trade %d token amount = %s, want %s", i, got[i].TokenAmount, want[i].TokenAmount)
		}
		if got[i].Action != want[i].Action {
			t.Errorf("trade %d action = %s, want %s", i, got[i].Action, want[i].Action)
		}
	}
}

func TestSnapshotStore_LoadMissing(t *testing.T) {
	s := NewSnapshotStore(filepath.Join(t.TempDir(), "missing.json"))
	_, err := s.Load()
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotStore_SaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewSnapshotStore(path)

	if err := s.Save(snapshotTrades()); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	if err := s.Save(snapshotTrades()[:1]); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("loaded %d trades, want 1 after overwrite", len(got))
	}
}

func TestSnapshotStore_SaveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	s := NewSnapshotStore(path)

	if err := s.Save(nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("loaded %d trades, want 0", len(got))
	}
}
