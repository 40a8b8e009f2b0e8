package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ===== ACCOUNT OPERATIONS =====

// CreateAccount inserts a new account with its friends and channels and sets
// acc.ID
func (db *AccountDB) CreateAccount(acc *Account) error {
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO accounts (name, private_key, expires, renew) VALUES (?, ?, ?, ?)`,
		acc.Name, acc.PrivateKey, acc.Expires, boolToInt(acc.Renew),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read account id: %w", err)
	}

	if err := replaceFriends(tx, id, acc.Friends); err != nil {
		return err
	}
	if err := replaceChannels(tx, id, acc.Channels); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account: %w", err)
	}
	acc.ID = id
	return nil
}

// GetAccount loads one account with its friends and channels
func (db *AccountDB) GetAccount(id int64) (*Account, error) {
	row := db.db.QueryRow(
		`SELECT id, name, private_key, expires, renew FROM accounts WHERE id = ?`, id,
	)

	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	if err := db.loadRelations(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccountByName loads the account called name
func (db *AccountDB) GetAccountByName(name string) (*Account, error) {
	row := db.db.QueryRow(
		`SELECT id, name, private_key, expires, renew FROM accounts WHERE name = ?`, name,
	)

	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	if err := db.loadRelations(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// ListAccounts returns every account in creation order
func (db *AccountDB) ListAccounts() ([]*Account, error) {
	rows, err := db.db.Query(`SELECT id, name, private_key, expires, renew FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, acc := range accounts {
		if err := db.loadRelations(acc); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// UpdateAccount saves name, renew flag, friends and channels of acc. The
// name expiry is owned by UpdateExpiry and left untouched.
func (db *AccountDB) UpdateAccount(acc *Account) error {
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE accounts SET name = ?, renew = ? WHERE id = ?`,
		acc.Name, boolToInt(acc.Renew), acc.ID,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := replaceFriends(tx, acc.ID, acc.Friends); err != nil {
		return err
	}
	if err := replaceChannels(tx, acc.ID, acc.Channels); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateExpiry records the expiry of the account's published name record
func (db *AccountDB) UpdateExpiry(id int64, expires int64) error {
	res, err := db.db.Exec(`UPDATE accounts SET expires = ? WHERE id = ?`, expires, id)
	if err != nil {
		return fmt.Errorf("failed to update expiry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account and everything attached to it
func (db *AccountDB) DeleteAccount(id int64) error {
	res, err := db.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var acc Account
	var renew int
	err := row.Scan(&acc.ID, &acc.Name, &acc.PrivateKey, &acc.Expires, &renew)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acc.Renew = intToBool(renew)
	return &acc, nil
}

func (db *AccountDB) loadRelations(acc *Account) error {
	friends, err := db.db.Query(`SELECT peer_id, name FROM friends WHERE account_id = ? ORDER BY name`, acc.ID)
	if err != nil {
		return fmt.Errorf("failed to load friends: %w", err)
	}
	defer friends.Close()

	acc.Friends = nil
	for friends.Next() {
		var f Friend
		if err := friends.Scan(&f.PeerID, &f.Name); err != nil {
			return err
		}
		acc.Friends = append(acc.Friends, f)
	}
	if err := friends.Err(); err != nil {
		return err
	}

	channels, err := db.db.Query(`SELECT name, type FROM channels WHERE account_id = ? ORDER BY position`, acc.ID)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	defer channels.Close()

	acc.Channels = nil
	for channels.Next() {
		var c Channel
		var typ string
		if err := channels.Scan(&c.Name, &typ); err != nil {
			return err
		}
		c.Type = ChannelType(typ)
		acc.Channels = append(acc.Channels, c)
	}
	return channels.Err()
}

func replaceFriends(tx *sql.Tx, accountID int64, friends []Friend) error {
	if _, err := tx.Exec(`DELETE FROM friends WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear friends: %w", err)
	}
	for _, f := range friends {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO friends (account_id, peer_id, name) VALUES (?, ?, ?)`,
			accountID, f.PeerID, f.Name,
		)
		if err != nil {
			return fmt.Errorf("failed to save friend: %w", err)
		}
	}
	return nil
}

func replaceChannels(tx *sql.Tx, accountID int64, channels []Channel) error {
	if _, err := tx.Exec(`DELETE FROM channels WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}
	for i, c := range channels {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO channels (account_id, name, type, position) VALUES (?, ?, ?, ?)`,
			accountID, c.Name, string(c.Type), i,
		)
		if err != nil {
			return fmt.Errorf("failed to save channel: %w", err)
		}
	}
	return nil
}
