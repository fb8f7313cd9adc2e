package main

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var errInvalidToken = errors.New("invalid or expired token")

// AuthStore issues and verifies bearer tokens against the account database.
// Accounts use a name plus a generated secret code instead of passwords:
// these are throwaway game identities, not sensitive credentials.
type AuthStore struct {
	db *sqlx.DB
}

func newAuthStore(db *sqlx.DB) *AuthStore {
	return &AuthStore{db: db}
}

// Account is a row of the account table.
type Account struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	SecretCode string `db:"secret_code"`
}

func generateSecretCode() (string, error) {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// issueToken mints a session token for an account.
func (a *AuthStore) issueToken(accountID int64) (string, error) {
	token := uuid.NewString()
	if _, err := a.db.Exec("INSERT INTO session (token, account_id) VALUES (?, ?)", token, accountID); err != nil {
		return "", err
	}
	return token, nil
}

// VerifyToken resolves a token to the username it was issued for. This is
// the hub's handshake hook.
func (a *AuthStore) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", errInvalidToken
	}
	var name string
	err := a.db.Get(&name,
		"SELECT a.name FROM session s JOIN account a ON a.id = s.account_id WHERE s.token = ?", token)
	if err == sql.ErrNoRows {
		return "", errInvalidToken
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type credentials struct {
	Name       string `json:"name"`
	SecretCode string `json:"secretCode"`
}

// handleSignup serves POST /signup: create an account, hand back the secret
// code once, and log the new identity in.
func (a *AuthStore) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	var existing Account
	err := a.db.Get(&existing, "SELECT id, name, secret_code FROM account WHERE name = ?", creds.Name)
	if err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "name already taken"})
		return
	}
	if err != sql.ErrNoRows {
		logError("handleSignup: db.Get account", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}

	secretCode, err := generateSecretCode()
	if err != nil {
		logError("handleSignup: generateSecretCode", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}
	result, err := a.db.Exec("INSERT INTO account (name, secret_code) VALUES (?, ?)", creds.Name, secretCode)
	if err != nil {
		logError("handleSignup: db.Exec insert account", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}
	accountID, _ := result.LastInsertId()

	token, err := a.issueToken(accountID)
	if err != nil {
		logError("handleSignup: issueToken", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}
	log.Printf("New account created: name='%s', id=%d", creds.Name, accountID)
	DebugLog("handleSignup: account %q signed up with id %d", creds.Name, accountID)

	writeJSON(w, http.StatusOK, map[string]string{
		"name":       creds.Name,
		"secretCode": secretCode,
		"token":      token,
	})
}

// handleLogin serves POST /login with a name and secret code.
func (a *AuthStore) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Name == "" || creds.SecretCode == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and secret code are required"})
		return
	}

	var account Account
	err := a.db.Get(&account,
		"SELECT id, name, secret_code FROM account WHERE name = ? AND secret_code = ?",
		creds.Name, creds.SecretCode)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid name or secret code"})
		return
	}
	if err != nil {
		logError("handleLogin: db.Get account", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}

	token, err := a.issueToken(account.ID)
	if err != nil {
		logError("handleLogin: issueToken", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "something went wrong"})
		return
	}
	log.Printf("Account logged in: name='%s', id=%d", account.Name, account.ID)

	writeJSON(w, http.StatusOK, map[string]string{"name": account.Name, "token": token})
}

// handleLogout serves POST /logout, revoking the presented token.
func (a *AuthStore) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token != "" {
		if _, err := a.db.Exec("DELETE FROM session WHERE token = ?", token); err != nil {
			logError("handleLogout: db.Exec delete session", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
