// Field-level authenticated encryption for MemoryMesh storage at rest.
//
// Protects against casual inspection of database files; it is not a
// substitute for full-disk encryption. The cipher is HMAC-SHA256 in
// counter mode for confidentiality plus HMAC-SHA256 encrypt-then-MAC for
// integrity.
package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength       = 16      // 128-bit salt
	keyLength        = 32      // 256-bit derived key
	ivLength         = 16      // 128-bit initialisation vector
	tagLength        = 32      // 256-bit HMAC-SHA256 tag
	pbkdf2Iterations = 100_000 // OWASP-recommended minimum for PBKDF2-SHA256
)

// ErrCiphertextTooShort is returned when an encrypted value is too short
// to contain an IV and authentication tag.
var ErrCiphertextTooShort = errors.New("ciphertext too short to contain IV and authentication tag")

// ErrAuthenticationFailed is returned when the authentication tag does
// not match — the ciphertext was tampered with or the key is wrong.
var ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with or key is wrong")

// DeriveKey derives a 256-bit encryption key from a passphrase and salt
// using PBKDF2-HMAC-SHA256 with 100,000 iterations.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
}

// keystreamBlock generates the i-th 32-byte keystream block:
// HMAC-SHA256(key, IV || big-endian-u32(i)).
func keystreamBlock(key, iv []byte, counter uint32) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	var ctr [4]byte
	binary.BigEndian.PutUint32(ctr[:], counter)
	mac.Write(ctr[:])
	return mac.Sum(nil)
}

// xorKeystream XORs data in place with the keystream starting at block 0.
func xorKeystream(key, iv, data []byte) {
	var counter uint32
	for offset := 0; offset < len(data); {
		block := keystreamBlock(key, iv, counter)
		n := len(block)
		if remaining := len(data) - offset; remaining < n {
			n = remaining
		}
		for i := 0; i < n; i++ {
			data[offset+i] ^= block[i]
		}
		offset += n
		counter++
	}
}

// EncryptField encrypts a string field with authenticated encryption and
// returns base64(IV || ciphertext || tag). The tag covers IV || ciphertext.
func EncryptField(plaintext string, key []byte) (string, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := []byte(plaintext)
	xorKeystream(key, iv, ciphertext)

	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	payload := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	payload = append(payload, tag...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptField decrypts a field produced by EncryptField. The tag is
// verified with a constant-time compare before any plaintext is released.
func DecryptField(ciphertextB64 string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < ivLength+tagLength {
		return "", ErrCiphertextTooShort
	}

	iv := raw[:ivLength]
	tag := raw[len(raw)-tagLength:]
	body := raw[ivLength : len(raw)-tagLength]

	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return "", ErrAuthenticationFailed
	}

	plaintext := make([]byte, len(body))
	copy(plaintext, body)
	xorKeystream(key, iv, plaintext)
	return string(plaintext), nil
}

// ---------------------------------------------------------------------------
// Salt persistence (memorymesh_meta table)
// ---------------------------------------------------------------------------

const metaTableDDL = `
CREATE TABLE IF NOT EXISTS memorymesh_meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`

const saltKey = "encryption_salt"

// getOrCreateSalt retrieves the per-database encryption salt, generating
// and persisting a random 16-byte salt on first use. Creation happens in
// a single transaction; subsequent opens are read-only.
func getOrCreateSalt(db *sql.DB) ([]byte, error) {
	if _, err := db.Exec(metaTableDDL); err != nil {
		return nil, fmt.Errorf("failed to create meta table: %w", err)
	}

	var salt []byte
	err := db.QueryRow(`SELECT value FROM memorymesh_meta WHERE key = ?`, saltKey).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read encryption salt: %w", err)
	}

	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// INSERT OR IGNORE so a concurrent first open keeps a single salt row.
	if _, err := tx.Exec(`INSERT OR IGNORE INTO memorymesh_meta (key, value) VALUES (?, ?)`, saltKey, salt); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Re-read in case another opener won the race.
	if err := db.QueryRow(`SELECT value FROM memorymesh_meta WHERE key = ?`, saltKey).Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to read back encryption salt: %w", err)
	}
	return salt, nil
}
