package account

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/heritage-engine/internal/db"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// HeirRecordPrefix is the default-table key prefix of the heir registry.
const HeirRecordPrefix = "heir#"

// Heir is a registered heir: a nickname bound to a key config and contact
// information, so heritage configs can be assembled by name instead of by
// pasting key material.
type Heir struct {
	Nickname   string           `json:"nickname"`
	HeirConfig *keys.HeirConfig `json:"heir_config"`
	// Contact is free-form (email, phone), carried for the owner's records.
	Contact string `json:"contact,omitempty"`
}

func heirKey(nickname string) string {
	return HeirRecordPrefix + nickname
}

// SaveHeir registers an heir. The nickname must be free.
func SaveHeir(store *db.Store, heir Heir) error {
	if heir.Nickname == "" || heir.HeirConfig == nil {
		return fmt.Errorf("heir needs a nickname and a key config")
	}
	return store.PutIfAbsent(db.DefaultTable, heirKey(heir.Nickname), heir)
}

// GetHeir loads a registered heir by nickname.
func GetHeir(store *db.Store, nickname string) (*Heir, error) {
	var heir Heir
	found, err := store.Get(db.DefaultTable, heirKey(nickname), &heir)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: heir %q", db.ErrKeyDoesNotExist, nickname)
	}
	return &heir, nil
}

// ListHeirs returns every registered heir in nickname order.
func ListHeirs(store *db.Store) ([]Heir, error) {
	rows, err := store.Query(db.DefaultTable, HeirRecordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Heir, 0, len(rows))
	for _, row := range rows {
		var heir Heir
		if err := json.Unmarshal(row.Value, &heir); err != nil {
			return nil, fmt.Errorf("decoding heir record %s: %v", row.Key, err)
		}
		out = append(out, heir)
	}
	return out, nil
}

// DeleteHeir removes a registered heir.
func DeleteHeir(store *db.Store, nickname string) error {
	return store.Delete(db.DefaultTable, heirKey(nickname))
}
