package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateName  = errors.New("account name already exists")
	ErrInvalidAddress = errors.New("invalid boot node address")
)

// ChannelType tells message channels from voice channels
type ChannelType string

const (
	ChannelMessage ChannelType = "message"
	ChannelVoice   ChannelType = "voice"
)

// Channel is a channel an account keeps in its sidebar
type Channel struct {
	Name string      `json:"name"`
	Type ChannelType `json:"type"`
}

// Friend is a named peer saved by an account
type Friend struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
}

// Account is one local identity
type Account struct {
	ID         int64
	Name       string
	PrivateKey []byte // libp2p protobuf encoding
	Expires    int64  // Unix seconds; expiry of the published name record
	Renew      bool
	Friends    []Friend
	Channels   []Channel
}

// AddChannel appends ch unless the account already has it
func (acc *Account) AddChannel(ch Channel) bool {
	for _, c := range acc.Channels {
		if c == ch {
			return false
		}
	}
	acc.Channels = append(append([]Channel(nil), acc.Channels...), ch)
	return true
}

// RemoveChannel drops ch and reports whether it was present
func (acc *Account) RemoveChannel(ch Channel) bool {
	kept := make([]Channel, 0, len(acc.Channels))
	for _, c := range acc.Channels {
		if c != ch {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(acc.Channels) {
		return false
	}
	acc.Channels = kept
	return true
}

// AccountDB persists accounts and the boot node list
type AccountDB struct {
	db *sql.DB
}

// NewAccountDB opens (or creates) the account database at dbPath
func NewAccountDB(dbPath string) (*AccountDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	adb := &AccountDB{db: db}
	if err := adb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return adb, nil
}

// initSchema creates database tables
func (db *AccountDB) initSchema() error {
	schema := `
	-- Accounts table
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		private_key BLOB NOT NULL,
		expires INTEGER NOT NULL DEFAULT 0,
		renew INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Friends table
	CREATE TABLE IF NOT EXISTS friends (
		account_id INTEGER NOT NULL,
		peer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (account_id, peer_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	-- Channels table
	CREATE TABLE IF NOT EXISTS channels (
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (account_id, name, type),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	-- Boot nodes shared by every account
	CREATE TABLE IF NOT EXISTS bootnodes (
		address TEXT PRIMARY KEY,
		position INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channels_account ON channels(account_id, position);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *AccountDB) Close() error {
	return db.db.Close()
}
