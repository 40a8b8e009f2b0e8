package storage

import (
	"fmt"

	"github.com/multiformats/go-multiaddr"
)

// ===== BOOT NODE OPERATIONS =====

// SaveBootNodes replaces the boot node list. Every address must be a valid
// multiaddr.
func (db *AccountDB) SaveBootNodes(addrs []multiaddr.Multiaddr) error {
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM bootnodes`); err != nil {
		return fmt.Errorf("failed to clear boot nodes: %w", err)
	}
	for i, addr := range addrs {
		if addr == nil {
			return ErrInvalidAddress
		}
		_, err := tx.Exec(`INSERT OR IGNORE INTO bootnodes (address, position) VALUES (?, ?)`, addr.String(), i)
		if err != nil {
			return fmt.Errorf("failed to save boot node: %w", err)
		}
	}

	return tx.Commit()
}

// BootNodes returns the saved boot node list in saved order. Rows that no
// longer parse are skipped.
func (db *AccountDB) BootNodes() ([]multiaddr.Multiaddr, error) {
	rows, err := db.db.Query(`SELECT address FROM bootnodes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load boot nodes: %w", err)
	}
	defer rows.Close()

	var addrs []multiaddr.Multiaddr
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}
