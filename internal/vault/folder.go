package vault

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	folderMaxCodepoints = 30
	folderMinTokenLen   = 60
	folderMinDecodedLen = 44
	folderCacheCapacity = 100
)

var folderTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// LooksEncrypted is the recognition heuristic: a cheap,
// purely structural check with no decryption attempted. It is allowed
// false positives (a plain directory that happens to satisfy it gets
// a decrypt attempt that then fails) but never false negatives for
// names this codec actually produced.
func LooksEncrypted(name string) bool {
	if len(name) < folderMinTokenLen {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune(folderTokenAlphabet, r) {
			return false
		}
	}
	decoded, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return false
	}
	return len(decoded) >= folderMinDecodedLen
}

// FolderCodec encrypts and decrypts short folder names into
// filesystem-safe tokens, backed by a bounded LRU of previously
// decrypted plaintexts.
type FolderCodec struct {
	arena *Arena
	cache *lru.Cache[string, *CharBuffer]
}

// NewFolderCodec constructs a codec with a 100-entry LRU cache
// registered with arena so its plaintext contents are wiped in bulk
// on lock: the cache holds plaintext names, so it must be registered
// as a clearable.
func NewFolderCodec(arena *Arena) *FolderCodec {
	cache, _ := lru.NewWithEvict(folderCacheCapacity, func(_ string, v *CharBuffer) {
		v.Wipe(false)
	})
	fc := &FolderCodec{arena: arena, cache: cache}
	if arena != nil {
		arena.RegisterClearable(fc)
	}
	return fc
}

// Clear empties the cache, wiping every plaintext entry first. Called
// directly on lock or password change, and indirectly by the arena's
// WipeAll/FullCleanup.
func (fc *FolderCodec) Clear() {
	for _, k := range fc.cache.Keys() {
		if v, ok := fc.cache.Peek(k); ok {
			v.Wipe(false)
		}
	}
	fc.cache.Purge()
}

// EncryptFolderName trims whitespace from name, validates its length,
// and returns a base64url-no-pad token of salt ∥ iv ∥ ciphertext ∥ tag.
// Every call uses a fresh salt and IV, so two encryptions of the same
// name are distinct with overwhelming probability.
func EncryptFolderName(name string, password []byte) (string, error) {
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	if n < 1 || n > folderMaxCodepoints {
		return "", newErr("folder.encrypt", KindResourceLimit, nil)
	}

	salt, err := randomBytes(saltSize)
	if err != nil {
		return "", err
	}
	iv, err := randomBytes(ivSize)
	if err != nil {
		return "", err
	}

	key, err := DeriveKey(password, salt, DefaultParams())
	if err != nil {
		return "", newErr("folder.encrypt", KindKdfError, err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", newErr("folder.encrypt", KindKdfError, err)
	}

	sealed := aead.Seal(nil, iv, []byte(trimmed), nil)

	packed := make([]byte, 0, len(salt)+len(iv)+len(sealed))
	packed = append(packed, salt...)
	packed = append(packed, iv...)
	packed = append(packed, sealed...)

	return base64.RawURLEncoding.EncodeToString(packed), nil
}

// DecryptFolderName attempts to recover the plaintext name behind
// token, consulting and populating the LRU cache. Any failure —
// recognition, decoding, authentication, or a plaintext outside the
// length bound — yields ("", false) so the caller falls back to
// displaying token verbatim.
func (fc *FolderCodec) DecryptFolderName(token string, password []byte) (string, bool) {
	if cached, ok := fc.cache.Get(token); ok {
		return cached.String(), true
	}
	if !LooksEncrypted(token) {
		return "", false
	}

	packed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	if len(packed) < saltSize+ivSize+chacha20poly1305.Overhead {
		return "", false
	}
	salt := packed[:saltSize]
	iv := packed[saltSize : saltSize+ivSize]
	sealed := packed[saltSize+ivSize:]

	key, err := DeriveKey(password, salt, DefaultParams())
	if err != nil {
		return "", false
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", false
	}
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", false
	}
	if !utf8.Valid(plain) || utf8.RuneCount(plain) > folderMaxCodepoints {
		return "", false
	}

	name := string(plain)
	cb := NewCharBuffer(name)
	if fc.arena != nil {
		fc.arena.RegisterChars(cb)
	}
	fc.cache.Add(token, cb)
	return name, true
}
