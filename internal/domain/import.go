package domain

import (
	"bufio"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ImportRecord is a raw account row as read from an import source. Any of
// the optional fields may be empty.
type ImportRecord struct {
	Email        string
	Secret       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ImportEntry is either Unauthenticated or Authenticated.
type ImportEntry interface {
	EmailAddress() string
	isImportEntry()
}

// Unauthenticated is an account known only by address and, optionally, a
// login secret for automated acquisition.
type Unauthenticated struct {
	Email  string
	Secret string
}

func (u Unauthenticated) EmailAddress() string { return u.Email }
func (Unauthenticated) isImportEntry()         {}

// Authenticated is an account that already carries a token pair.
type Authenticated struct {
	Email  string
	Secret string
	Tokens Tokens
}

func (a Authenticated) EmailAddress() string { return a.Email }
func (Authenticated) isImportEntry()         {}

// ResolveImportEntry classifies a raw record. It returns false when the
// record has no usable address.
func ResolveImportEntry(r ImportRecord) (ImportEntry, bool) {
	email := NormalizeEmail(r.Email)
	if !ValidEmail(email) {
		return nil, false
	}
	tokens := Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken, Expiry: r.Expiry}
	if tokens.AccessToken != "" {
		return Authenticated{Email: email, Secret: r.Secret, Tokens: tokens}, true
	}
	return Unauthenticated{Email: email, Secret: r.Secret}, true
}

// Credential is an address plus the secret used to sign in with it.
type Credential struct {
	Email  string
	Secret string
}

// maxCredentialLine bounds a single line of a credential list.
const maxCredentialLine = 1 << 20

// ParseCredentialList reads "email|password" lines. Blank lines and comments
// starting with # or // are ignored. Malformed lines are dropped and counted
// in skipped.
func ParseCredentialList(text string) (creds []Credential, skipped int, err error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxCredentialLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		email, secret, ok := strings.Cut(line, "|")
		if !ok {
			skipped++
			continue
		}
		email = NormalizeEmail(email)
		secret = strings.TrimSpace(secret)
		if !ValidEmail(email) || secret == "" {
			skipped++
			continue
		}
		creds = append(creds, Credential{Email: email, Secret: secret})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read credential list: %w", err)
	}
	return creds, skipped, nil
}

// ValidEmail reports whether s is a bare address.
func ValidEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " <>") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}
