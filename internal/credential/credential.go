// Package credential implements password hashing, salting and the
// single-letter permission grants carried on a reader record.
package credential

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"brs/api/internal/store"
)

const saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789./"

// permissionOps is the full grant alphabet; characters outside it are ignored.
const permissionOps = "delprsuv"

// NewSalt returns a random 32-character salt over [A-Za-z0-9./].
func NewSalt() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	salt := make([]byte, 32)
	for i, b := range buf {
		salt[i] = saltChars[int(b)%len(saltChars)]
	}
	return string(salt)
}

// HashPassword computes the stored digest: the raw password is hashed first,
// then the salt is prepended to that hex digest and hashed again.
func HashPassword(raw, salt string) string {
	first := sha256.Sum256([]byte(raw))
	second := sha256.Sum256([]byte(salt + hex.EncodeToString(first[:])))
	return hex.EncodeToString(second[:])
}

// SetPassword stores a fresh salt and the digest of raw under it.
func SetPassword(reader *store.Reader, raw string) {
	reader.Salt = NewSalt()
	reader.Password = HashPassword(raw, reader.Salt)
}

// VerifyPassword reports whether raw matches the reader's stored digest.
func VerifyPassword(reader *store.Reader, raw string) bool {
	digest := HashPassword(raw, reader.Salt)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(reader.Password)) == 1
}

// ResetPassword derives a new 16-character password from the reader's email,
// creation time and the clock, stores it and returns the plaintext for
// one-time mailing. The derivation is md5-based and not cryptographically
// strong; mail delivery depends on the short plaintext.
func ResetPassword(reader *store.Reader) string {
	seed := fmt.Sprintf("%s%d%f", reader.Email, reader.CreateTime.Unix(),
		float64(time.Now().UnixNano())/1e9)
	sum := md5.Sum([]byte(seed))
	plaintext := hex.EncodeToString(sum[:])[:16]
	SetPassword(reader, plaintext)
	return plaintext
}

// SetPermission applies each operation character: any existing entry for the
// same letter (either case) is removed, the given character inserted, and the
// string re-sorted. Characters outside the grant alphabet are silently ignored.
func SetPermission(reader *store.Reader, operations string) {
	var granted []string
	if reader.Permission != "" {
		granted = strings.Split(reader.Permission, "")
	}
	for _, op := range operations {
		lower := strings.ToLower(string(op))
		if !strings.Contains(permissionOps, lower) {
			continue
		}
		upper := strings.ToUpper(string(op))
		kept := granted[:0]
		for _, existing := range granted {
			if existing != lower && existing != upper {
				kept = append(kept, existing)
			}
		}
		granted = append(kept, string(op))
	}
	sort.Strings(granted)
	reader.Permission = strings.Join(granted, "")
}

// HasPermission checks one operation letter: lowercase present means granted,
// uppercase present means explicitly revoked, absent falls back to def.
func HasPermission(reader *store.Reader, operation string, def bool) bool {
	if strings.Contains(reader.Permission, strings.ToLower(operation)) {
		return true
	}
	if strings.Contains(reader.Permission, strings.ToUpper(operation)) {
		return false
	}
	return def
}

// CanLogin is the login gate; absent permission defaults to allowed.
func CanLogin(reader *store.Reader) bool {
	return HasPermission(reader, "l", true)
}

func CanEdit(reader *store.Reader) bool {
	return HasPermission(reader, "e", true)
}

func CanDelete(reader *store.Reader) bool {
	return HasPermission(reader, "d", true)
}
