package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lu-zhengda/mailbroker/internal/domain"
)

// importRecord is one account in a JSON export.
type importRecord struct {
	Email        string    `json:"email"`
	Password     string    `json:"password,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// exportRecords renders accounts in the JSON form parseImport reads back.
func exportRecords(accounts []domain.Account) []importRecord {
	records := make([]importRecord, 0, len(accounts))
	for _, a := range accounts {
		records = append(records, importRecord{
			Email:        a.Email,
			Password:     a.Secret,
			AccessToken:  a.Tokens.AccessToken,
			RefreshToken: a.Tokens.RefreshToken,
			Expiry:       a.Tokens.Expiry,
		})
	}
	return records
}

// parseImport reads either a JSON array of records or an email|password
// list. It returns the usable entries and how many records were skipped.
func parseImport(data []byte) ([]domain.ImportEntry, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		creds, skipped, err := domain.ParseCredentialList(string(data))
		if err != nil {
			return nil, 0, err
		}
		entries := make([]domain.ImportEntry, 0, len(creds))
		for _, c := range creds {
			entries = append(entries, domain.Unauthenticated{Email: c.Email, Secret: c.Secret})
		}
		return entries, skipped, nil
	}

	var records []importRecord
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, 0, fmt.Errorf("failed to parse import file: %w", err)
	}
	entries := make([]domain.ImportEntry, 0, len(records))
	skipped := 0
	for _, r := range records {
		entry, ok := domain.ResolveImportEntry(domain.ImportRecord{
			Email:        r.Email,
			Secret:       r.Password,
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			Expiry:       r.Expiry,
		})
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	return entries, skipped, nil
}
