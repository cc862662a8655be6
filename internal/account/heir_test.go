package account

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keyring"
	"github.com/rawblock/heritage-engine/internal/keys"
)

func registryHeirConfig(t *testing.T, seedByte byte) *keys.HeirConfig {
	t.Helper()
	provider, err := keyring.NewLocalKeyProvider(bytes.Repeat([]byte{seedByte}, 32), "")
	if err != nil {
		t.Fatal(err)
	}
	hc, err := provider.DeriveHeirConfig(keys.HeirTypeSinglePubkey)
	if err != nil {
		t.Fatal(err)
	}
	return hc
}

func TestHeirRegistry(t *testing.T) {
	rt := testRuntime(t)
	wife := Heir{Nickname: "wife", HeirConfig: registryHeirConfig(t, 20), Contact: "wife@example.org"}
	brother := Heir{Nickname: "brother", HeirConfig: registryHeirConfig(t, 21)}

	if err := SaveHeir(rt.Store, wife); err != nil {
		t.Fatalf("SaveHeir: %v", err)
	}
	if err := SaveHeir(rt.Store, brother); err != nil {
		t.Fatalf("SaveHeir: %v", err)
	}
	// Nicknames are unique.
	if err := SaveHeir(rt.Store, wife); !errors.Is(err, db.ErrKeyAlreadyExists) {
		t.Errorf("duplicate nickname = %v", err)
	}
	if err := SaveHeir(rt.Store, Heir{Nickname: "broken"}); err == nil {
		t.Error("heir without a key config accepted")
	}

	loaded, err := GetHeir(rt.Store, "wife")
	if err != nil {
		t.Fatalf("GetHeir: %v", err)
	}
	if !loaded.HeirConfig.Equal(wife.HeirConfig) || loaded.Contact != wife.Contact {
		t.Error("heir record mangled on round trip")
	}

	heirs, err := ListHeirs(rt.Store)
	if err != nil {
		t.Fatal(err)
	}
	if len(heirs) != 2 || heirs[0].Nickname != "brother" || heirs[1].Nickname != "wife" {
		t.Errorf("ListHeirs = %+v", heirs)
	}

	if err := DeleteHeir(rt.Store, "brother"); err != nil {
		t.Fatalf("DeleteHeir: %v", err)
	}
	if _, err := GetHeir(rt.Store, "brother"); !errors.Is(err, db.ErrKeyDoesNotExist) {
		t.Errorf("deleted heir still loads: %v", err)
	}
}
