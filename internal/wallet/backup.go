package wallet

import (
	"fmt"
	"strings"

	"github.com/rawblock/heritage-engine/internal/heritage"
	"github.com/rawblock/heritage-engine/internal/keys"
)

// SubwalletDescriptorBackup carries everything needed to restore one
// subwallet: its descriptor pair, first-use state and last derived indexes.
type SubwalletDescriptorBackup struct {
	ExternalDescriptor string  `json:"external_descriptor"`
	ChangeDescriptor   string  `json:"change_descriptor"`
	FirstUseTs         uint64  `json:"first_use_ts,omitempty"`
	LastExternalIndex  *uint32 `json:"last_external_index,omitempty"`
	LastChangeIndex    *uint32 `json:"last_change_index,omitempty"`
}

// Fingerprint extracts the master fingerprint shared by both descriptors of
// the backup entry.
func (b *SubwalletDescriptorBackup) Fingerprint() (keys.Fingerprint, error) {
	ext, err := parseBackupDescriptor(b.ExternalDescriptor, KeychainExternal)
	if err != nil {
		return keys.Fingerprint{}, err
	}
	change, err := parseBackupDescriptor(b.ChangeDescriptor, KeychainInternal)
	if err != nil {
		return keys.Fingerprint{}, err
	}
	if ext.AccountXPub.Fingerprint() != change.AccountXPub.Fingerprint() {
		return keys.Fingerprint{}, fmt.Errorf("%w: external and change descriptors carry different fingerprints", ErrInvalidBackup)
	}
	return ext.AccountXPub.Fingerprint(), nil
}

// Backup is the ordered list of subwallet descriptor backups of a heritage
// wallet, oldest subwallet first, current subwallet last.
type Backup []SubwalletDescriptorBackup

// Fingerprint validates that every entry shares one master fingerprint and
// returns it; false for an empty backup.
func (b Backup) Fingerprint() (keys.Fingerprint, bool, error) {
	var fp keys.Fingerprint
	for i := range b {
		entryFP, err := b[i].Fingerprint()
		if err != nil {
			return keys.Fingerprint{}, false, err
		}
		if i == 0 {
			fp = entryFP
		} else if entryFP != fp {
			return keys.Fingerprint{}, false, fmt.Errorf("%w: multiple fingerprints in the backup", ErrInvalidBackup)
		}
	}
	return fp, len(b) > 0, nil
}

// GenerateBackup exports the wallet's subwallet configs as descriptor
// backups, in chronological order.
func (w *HeritageWallet) GenerateBackup() (Backup, error) {
	configs, err := w.allSubwalletConfigs()
	if err != nil {
		return nil, err
	}
	backup := make(Backup, 0, len(configs))
	for _, cfg := range configs {
		sub := newSubwallet(cfg, w.store, w.table)
		entry := SubwalletDescriptorBackup{
			ExternalDescriptor: cfg.ExternalDescriptor(),
			ChangeDescriptor:   cfg.ChangeDescriptor(),
			FirstUseTs:         cfg.SubwalletFirstUseTime,
		}
		if last, found, err := sub.LastIndex(KeychainExternal); err != nil {
			return nil, err
		} else if found {
			entry.LastExternalIndex = &last
		}
		if last, found, err := sub.LastIndex(KeychainInternal); err != nil {
			return nil, err
		} else if found {
			entry.LastChangeIndex = &last
		}
		backup = append(backup, entry)
	}
	return backup, nil
}

// parseBackupDescriptor rebuilds a subwallet config skeleton from one
// descriptor. The account xpub and the heritage policy (heirs, locks) are
// recovered exactly; the id and first-use state come from the backup entry.
func parseBackupDescriptor(desc string, kc Keychain) (*SubwalletConfig, error) {
	keyExpr, treeExpr, err := parseTrDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	childSuffix := "/" + heritage.KeychainChildSpec(uint32(kc))
	base, ok := strings.CutSuffix(keyExpr, childSuffix)
	if !ok {
		return nil, fmt.Errorf("%w: descriptor key %q does not end with %s", ErrInvalidBackup, keyExpr, childSuffix)
	}
	axpub, err := keys.ParseAccountXPub(base + "/*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	hc, err := heritage.ParseTaptreeExpression(treeExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return &SubwalletConfig{AccountXPub: axpub, HeritageConfig: hc}, nil
}

// RestoreBackup rebuilds the subwallet configs of an empty wallet from a
// backup: every entry becomes an obsolete config except the last, which
// becomes current. Tracker rows are re-derived up to the backed-up indexes.
func (w *HeritageWallet) RestoreBackup(backup Backup) error {
	if len(backup) == 0 {
		return fmt.Errorf("%w: empty backup", ErrInvalidBackup)
	}
	current, err := w.GetCurrentSubwalletConfig()
	if err != nil {
		return err
	}
	obsolete, err := w.ListObsoleteSubwalletConfigs()
	if err != nil {
		return err
	}
	if current != nil || len(obsolete) > 0 {
		return fmt.Errorf("%w: wallet is not empty", ErrInvalidBackup)
	}
	if _, _, err := backup.Fingerprint(); err != nil {
		return err
	}

	configs := make([]*SubwalletConfig, 0, len(backup))
	for i, entry := range backup {
		cfg, err := parseBackupDescriptor(entry.ExternalDescriptor, KeychainExternal)
		if err != nil {
			return err
		}
		cfg.SubwalletID = SubwalletID(i)
		cfg.SubwalletFirstUseTime = entry.FirstUseTs
		// The change descriptor must be the same wallet viewed through the
		// internal chain; re-rendering it proves the pair is consistent.
		if got, err := splitDescriptorChecksum(strings.TrimSpace(entry.ChangeDescriptor)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
		} else if want, _ := splitDescriptorChecksum(cfg.ChangeDescriptor()); got != want {
			return fmt.Errorf("%w: change descriptor of subwallet %d does not match the external one", ErrInvalidBackup, i)
		}
		configs = append(configs, cfg)
	}

	txn, err := w.store.BeginWrite()
	if err != nil {
		return err
	}
	defer txn.Abort()
	for i, cfg := range configs {
		sub := newSubwallet(cfg, w.store, w.table)
		if i == len(configs)-1 {
			if err := txn.PutIfAbsent(w.table, w.part.CurrentSubwalletKey(), cfg); err != nil {
				return err
			}
		} else {
			if err := txn.PutIfAbsent(w.table, w.part.ObsoleteSubwalletKey(cfg.SubwalletID), cfg); err != nil {
				return err
			}
		}
		if err := sub.writeDescriptorChecksums(txn); err != nil {
			return err
		}
		entry := backup[i]
		if entry.LastExternalIndex != nil {
			if err := sub.ensureAddressesTo(txn, KeychainExternal, *entry.LastExternalIndex); err != nil {
				return err
			}
		}
		if entry.LastChangeIndex != nil {
			if err := sub.ensureAddressesTo(txn, KeychainInternal, *entry.LastChangeIndex); err != nil {
				return err
			}
		}
	}
	return txn.Commit()
}
