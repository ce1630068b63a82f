package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the sqlite-backed driver. Accounts and token blobs live in
// two tables; the blob is stored as its JSON serialization so unknown fields
// survive round trips the same way the file driver keeps them.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes account mutations: the uniqueness checks are
	// check-then-act across statements, same as the file driver.
	mu sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	name TEXT PRIMARY KEY,
	api_key TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	account_name TEXT PRIMARY KEY,
	blob TEXT NOT NULL,
	FOREIGN KEY (account_name) REFERENCES accounts (name)
);

CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts (api_key);
`

// NewSQLiteStore opens (creating if needed) the sqlite store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var account Account
	err := row.Scan(&account.Name, &account.APIKey, &account.Enabled, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *SQLiteStore) ListAccounts() ([]Account, error) {
	rows, err := s.db.Query("SELECT name, api_key, enabled, created_at, updated_at FROM accounts ORDER BY created_at, name")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// GetAccount returns the account with the given name.
func (s *SQLiteStore) GetAccount(name string) (*Account, error) {
	row := s.db.QueryRow("SELECT name, api_key, enabled, created_at, updated_at FROM accounts WHERE name = ?", name)
	return scanAccount(row)
}

// GetAccountByAPIKey returns the enabled account holding apiKey.
func (s *SQLiteStore) GetAccountByAPIKey(apiKey string) (*Account, error) {
	row := s.db.QueryRow("SELECT name, api_key, enabled, created_at, updated_at FROM accounts WHERE api_key = ? AND enabled = 1", apiKey)
	return scanAccount(row)
}

func (s *SQLiteStore) apiKeyInUse(apiKey, exceptName string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM accounts WHERE api_key = ? AND enabled = 1 AND name != ?",
		apiKey, exceptName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	return count > 0, nil
}

// CreateAccount inserts a new account. Name must be unique; APIKey must be
// unique among enabled accounts.
func (s *SQLiteStore) CreateAccount(account Account) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetAccount(account.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, account.Name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if account.Enabled {
		inUse, err := s.apiKeyInUse(account.APIKey, account.Name)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("%w: api key in use", ErrDuplicate)
		}
	}

	account.CreatedAt = nowStamp()
	account.UpdatedAt = account.CreatedAt
	_, err := s.db.Exec(
		"INSERT INTO accounts (name, api_key, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		account.Name, account.APIKey, account.Enabled, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return &account, nil
}

// UpdateAccount applies a partial update to the named account.
func (s *SQLiteStore) UpdateAccount(name string, update AccountUpdate) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccountLocked(name, update)
}

func (s *SQLiteStore) updateAccountLocked(name string, update AccountUpdate) (*Account, error) {
	account, err := s.GetAccount(name)
	if err != nil {
		return nil, err
	}
	if update.APIKey != nil {
		account.APIKey = *update.APIKey
	}
	if update.Enabled != nil {
		account.Enabled = *update.Enabled
	}
	if account.Enabled {
		inUse, err := s.apiKeyInUse(account.APIKey, name)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, fmt.Errorf("%w: api key in use", ErrDuplicate)
		}
	}
	account.UpdatedAt = nowStamp()
	_, err = s.db.Exec(
		"UPDATE accounts SET api_key = ?, enabled = ?, updated_at = ? WHERE name = ?",
		account.APIKey, account.Enabled, account.UpdatedAt, name,
	)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	return account, nil
}

// DeleteAccount removes the account and its token blob.
func (s *SQLiteStore) DeleteAccount(name string) error {
	result, err := s.db.Exec("DELETE FROM accounts WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if _, err := s.db.Exec("DELETE FROM tokens WHERE account_name = ?", name); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ToggleAccount flips the enabled flag, enforcing API key uniqueness on
// enable.
func (s *SQLiteStore) ToggleAccount(name string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.GetAccount(name)
	if err != nil {
		return nil, err
	}
	enabled := !account.Enabled
	return s.updateAccountLocked(name, AccountUpdate{Enabled: &enabled})
}

// GetToken reads the account's token blob.
func (s *SQLiteStore) GetToken(name string) (*TokenBlob, error) {
	var raw string
	err := s.db.QueryRow("SELECT blob FROM tokens WHERE account_name = ?", name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var blob TokenBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &blob, nil
}

// SaveToken upserts the account's token blob.
func (s *SQLiteStore) SaveToken(name string, blob *TokenBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO tokens (account_name, blob) VALUES (?, ?) ON CONFLICT(account_name) DO UPDATE SET blob = excluded.blob",
		name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteToken removes the account's token blob; missing is not an error.
func (s *SQLiteStore) DeleteToken(name string) error {
	if _, err := s.db.Exec("DELETE FROM tokens WHERE account_name = ?", name); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
