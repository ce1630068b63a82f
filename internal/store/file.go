package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps accounts in <dataDir>/accounts.json and each account's
// token blob in <dataDir>/tokens/<name>.json. All writes go through a temp
// file plus rename so a crash never leaves a half-written record.
type FileStore struct {
	mu       sync.Mutex
	dataDir  string
	tokenDir string
}

type accountsFile struct {
	Accounts []Account `json:"accounts"`
}

// NewFileStore opens (creating if needed) the file-backed store rooted at
// dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	tokenDir := filepath.Join(dataDir, "tokens")
	if err := os.MkdirAll(tokenDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dataDir: dataDir, tokenDir: tokenDir}, nil
}

func (s *FileStore) accountsPath() string {
	return filepath.Join(s.dataDir, "accounts.json")
}

func (s *FileStore) tokenPath(name string) string {
	return filepath.Join(s.tokenDir, name+".json")
}

// load reads accounts.json; a missing file is an empty store.
func (s *FileStore) load() ([]Account, error) {
	data, err := os.ReadFile(s.accountsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	return file.Accounts, nil
}

func (s *FileStore) save(accounts []Account) error {
	if accounts == nil {
		accounts = []Account{}
	}
	data, err := json.MarshalIndent(accountsFile{Accounts: accounts}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	return atomicWrite(s.accountsPath(), data)
}

// atomicWrite writes data to path via a temp file in the same directory and
// an atomic rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ListAccounts returns all accounts in file order.
func (s *FileStore) ListAccounts() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// GetAccount returns the account with the given name.
func (s *FileStore) GetAccount(name string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Name == name {
			account := accounts[i]
			return &account, nil
		}
	}
	return nil, ErrNotFound
}

// GetAccountByAPIKey returns the enabled account holding apiKey.
func (s *FileStore) GetAccountByAPIKey(apiKey string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Enabled && accounts[i].APIKey == apiKey {
			account := accounts[i]
			return &account, nil
		}
	}
	return nil, ErrNotFound
}

// CreateAccount appends a new account. Name must be unique; APIKey must be
// unique among enabled accounts.
func (s *FileStore) CreateAccount(account Account) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range accounts {
		if accounts[i].Name == account.Name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, account.Name)
		}
		if account.Enabled && accounts[i].Enabled && accounts[i].APIKey == account.APIKey {
			return nil, fmt.Errorf("%w: api key in use", ErrDuplicate)
		}
	}
	account.CreatedAt = nowStamp()
	account.UpdatedAt = account.CreatedAt
	accounts = append(accounts, account)
	if err := s.save(accounts); err != nil {
		return nil, err
	}
	return &account, nil
}

// UpdateAccount applies a partial update to the named account.
func (s *FileStore) UpdateAccount(name string, update AccountUpdate) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.load()
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range accounts {
		if accounts[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotFound
	}

	next := accounts[idx]
	if update.APIKey != nil {
		next.APIKey = *update.APIKey
	}
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	if next.Enabled {
		for i := range accounts {
			if i != idx && accounts[i].Enabled && accounts[i].APIKey == next.APIKey {
				return nil, fmt.Errorf("%w: api key in use", ErrDuplicate)
			}
		}
	}
	next.UpdatedAt = nowStamp()
	accounts[idx] = next
	if err := s.save(accounts); err != nil {
		return nil, err
	}
	return &next, nil
}

// DeleteAccount removes the account and its token blob.
func (s *FileStore) DeleteAccount(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts, err := s.load()
	if err != nil {
		return err
	}
	idx := -1
	for i := range accounts {
		if accounts[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	accounts = append(accounts[:idx], accounts[idx+1:]...)
	if err := s.save(accounts); err != nil {
		return err
	}
	if err := os.Remove(s.tokenPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// ToggleAccount flips the enabled flag, enforcing API key uniqueness on
// enable.
func (s *FileStore) ToggleAccount(name string) (*Account, error) {
	s.mu.Lock()
	account, err := func() (*Account, error) {
		accounts, err := s.load()
		if err != nil {
			return nil, err
		}
		for i := range accounts {
			if accounts[i].Name == name {
				a := accounts[i]
				return &a, nil
			}
		}
		return nil, ErrNotFound
	}()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	enabled := !account.Enabled
	return s.UpdateAccount(name, AccountUpdate{Enabled: &enabled})
}

// GetToken reads the account's token blob.
func (s *FileStore) GetToken(name string) (*TokenBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.tokenPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read token: %w", err)
	}
	var blob TokenBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &blob, nil
}

// SaveToken writes the account's token blob atomically.
func (s *FileStore) SaveToken(name string, blob *TokenBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return atomicWrite(s.tokenPath(name), data)
}

// DeleteToken removes the account's token blob; missing is not an error.
func (s *FileStore) DeleteToken(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.tokenPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Close is a no-op for the file driver.
func (s *FileStore) Close() error { return nil }
