package db

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WalletRecordPrefix is the default-table key prefix of the top-level wallet
// aggregate records.
const WalletRecordPrefix = "wallet#"

// migrationV0toV1 drops all cached per-subwallet sync state (heritage utxos,
// tx summaries, balance and fee cells) from every locally-owned wallet table,
// forcing a full resync after the subwallet storage format change that
// introduced schema version 1.
type migrationV0toV1 struct{}

func (migrationV0toV1) ExpectedVersion() SchemaVersion { return 0 }

// v0WalletRecord is the historical shape of a wallet aggregate record, pared
// down to the field the migration needs. Migrations address the historical
// schema, never the current types.
type v0WalletRecord struct {
	OnlineWallet struct {
		Type             string `json:"type"`
		HeritageWalletID string `json:"heritage_wallet_id"`
	} `json:"online_wallet"`
}

// syncStateMarkers are the key substrings of the cached sync state to drop.
var syncStateMarkers = []string{"#h#", "#y#", "#b#", "#f#"}

func (migrationV0toV1) Migrate(s *Store) error {
	txn, err := s.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()

	wallets, err := txn.Query(DefaultTable, WalletRecordPrefix)
	if err != nil {
		return err
	}
	for _, row := range wallets {
		var rec v0WalletRecord
		if err := json.Unmarshal(row.Value, &rec); err != nil {
			return fmt.Errorf("decoding wallet record %s: %v", row.Key, err)
		}
		if rec.OnlineWallet.Type != "local" || rec.OnlineWallet.HeritageWalletID == "" {
			continue
		}
		table := rec.OnlineWallet.HeritageWalletID
		keys, err := txn.ListKeys(table, "")
		if err != nil {
			return err
		}
		for _, key := range keys {
			if containsAny(key, syncStateMarkers) {
				if err := txn.Delete(table, key); err != nil {
					return err
				}
			}
		}
	}

	// The version cell must still be absent: a concurrent (or repeated) run
	// aborts here instead of double-running.
	if err := txn.PutIfAbsent(DefaultTable, SchemaVersionKey, SchemaVersion(1)); err != nil {
		return err
	}
	return txn.Commit()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
