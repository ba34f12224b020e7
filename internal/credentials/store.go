package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound marks a domain with no credential file on disk.
var ErrNotFound = errors.New("credentials: not found")

// Store reads credential files from the credentials directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the credentials directory.
func (s *Store) Dir() string { return s.dir }

// Path resolves the credential file path for a domain.
func (s *Store) Path(domain string) (string, error) {
	return ResolvePath(s.dir, domain)
}

// Load reads and validates the credential file for a domain.
func (s *Store) Load(domain string) (*models.CredentialFile, string, error) {
	path, err := s.Path(domain)
	if err != nil {
		return nil, "", err
	}
	cred, err := s.LoadPath(path)
	if err != nil {
		return nil, path, err
	}
	return cred, path, nil
}

// LoadPath reads and validates a credential file by absolute path.
func (s *Store) LoadPath(path string) (*models.CredentialFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}

	var cred models.CredentialFile
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", path, err)
	}
	if err := validate(&cred); err != nil {
		return nil, fmt.Errorf("credentials: %s: %w", path, err)
	}
	return &cred, nil
}

// Save writes a credential file back to disk, preserving the 0600 mode
// expected for secrets.
func (s *Store) Save(path string, cred *models.CredentialFile) error {
	raw, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", path, err)
	}
	return nil
}

func validate(cred *models.CredentialFile) error {
	switch cred.Type {
	case models.CredentialAPIKey:
		if cred.APIKey == "" {
			return errors.New("api_key credential missing api_key")
		}
	case models.CredentialOAuth:
		if cred.OAuth == nil || cred.OAuth.AccessToken == "" {
			return errors.New("oauth credential missing access token")
		}
	case models.CredentialPool:
		if cred.Pool == nil || len(cred.Pool.AccountIDs) == 0 {
			return errors.New("pool credential has no accounts")
		}
	default:
		return fmt.Errorf("unknown credential type %q", cred.Type)
	}
	return nil
}
