package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// User is an authenticated principal.
type User struct {
	Username string
	IsAdmin  bool
}

// Authorizer verifies credentials against the users, tokens and block_entries
// collections.
type Authorizer struct {
	store storage.Store
	cfg   config.Authorization
	tee   log.Tee
}

// NewAuthorizer creates an authorizer.
func NewAuthorizer(store storage.Store, cfg config.Authorization, tee log.Tee) *Authorizer {
	return &Authorizer{store: store, cfg: cfg, tee: tee}
}

// CreateUser inserts or replaces a user with a freshly salted password hash.
func (a *Authorizer) CreateUser(username, password string, isAdmin bool) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return a.store.Upsert(types.CollectionUsers,
		storage.Doc{"username": username},
		storage.Doc{
			"username":      username,
			"salt":          hex.EncodeToString(salt),
			"password_hash": hex.EncodeToString(hash),
			"is_admin":      isAdmin,
		})
}

// Verify authenticates a user by password or token. Failed attempts add a
// block entry; a user with more than num_login_attempts recent failures is
// rejected outright until the entries expire.
func (a *Authorizer) Verify(username, credential, ip string) (*User, bool) {
	if a.blocked(username) {
		return nil, false
	}

	doc, err := a.store.FindOne(types.CollectionUsers, storage.Doc{"username": username})
	if err != nil {
		a.recordFailure(username)
		return nil, false
	}

	if a.verifyPassword(doc, credential) || a.verifyToken(username, credential, ip) {
		isAdmin, _ := doc["is_admin"].(bool)
		return &User{Username: username, IsAdmin: isAdmin}, true
	}

	a.recordFailure(username)
	return nil, false
}

func (a *Authorizer) verifyPassword(user storage.Doc, password string) bool {
	saltHex, _ := user["salt"].(string)
	hashHex, _ := user["password_hash"].(string)
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (a *Authorizer) verifyToken(username, token, ip string) bool {
	cutoff := types.Now() - float64(a.cfg.TokensValidForSeconds)
	docs, err := a.store.Find(types.CollectionTokens, storage.Doc{
		"username":  username,
		"ip":        ip,
		"timestamp": storage.Doc{"$gte": cutoff},
	})
	if err != nil {
		return false
	}
	for _, doc := range docs {
		stored, _ := doc["token"].(string)
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// IssueToken creates a fresh token bound to the client address. Expired
// tokens of the user are pruned on the way.
func (a *Authorizer) IssueToken(username, ip string) (string, int, error) {
	cutoff := types.Now() - float64(a.cfg.TokensValidForSeconds)
	if _, err := a.store.DeleteMany(types.CollectionTokens, storage.Doc{
		"username":  username,
		"timestamp": storage.Doc{"$lt": cutoff},
	}); err != nil {
		return "", 0, err
	}

	token := types.NewSecret()
	_, err := a.store.Insert(types.CollectionTokens, storage.Doc{
		"username":  username,
		"ip":        ip,
		"token":     token,
		"timestamp": types.Now(),
	})
	if err != nil {
		return "", 0, err
	}
	return token, a.cfg.TokensValidForSeconds, nil
}

// blocked prunes expired block entries and reports whether the user has
// accumulated more failures than allowed. The threshold is strict: blocking
// starts with the entry after num_login_attempts.
func (a *Authorizer) blocked(username string) bool {
	cutoff := types.Now() - float64(a.cfg.BlockForSeconds)
	if _, err := a.store.DeleteMany(types.CollectionBlockEntries, storage.Doc{
		"username":  username,
		"timestamp": storage.Doc{"$lt": cutoff},
	}); err != nil {
		return false
	}
	count, err := a.store.Count(types.CollectionBlockEntries, storage.Doc{"username": username})
	if err != nil {
		return false
	}
	return count > a.cfg.NumLoginAttempts
}

func (a *Authorizer) recordFailure(username string) {
	if _, err := a.store.Insert(types.CollectionBlockEntries, storage.Doc{
		"username":  username,
		"timestamp": types.Now(),
	}); err != nil {
		a.tee(fmt.Sprintf("Block entry for %s failed: %v", username, err))
	}
}
