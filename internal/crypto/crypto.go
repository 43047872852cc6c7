// Package crypto provides end-to-end encryption of operation payloads and
// state snapshots. Keys are derived from a user password with argon2id and
// cached per salt for the life of the process.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/crypto/argon2"
)

var (
	// ErrMissingKey is returned when encryption is needed but no password is configured.
	ErrMissingKey = errors.New("no encryption key configured")
	// ErrWrongKey is returned when ciphertext does not authenticate under the
	// configured key. It matches ErrMissingKey so callers can prompt for a
	// password in either case.
	ErrWrongKey = fmt.Errorf("%w: decryption failed, wrong password", ErrMissingKey)
	// ErrMalformed is returned for ciphertext that is not in the expected format.
	ErrMalformed = errors.New("malformed ciphertext")
)

const (
	formatVersion = 1
	saltSize      = 16
	keySize       = 32

	flagSnappy byte = 1 << 0

	// Payloads shorter than this are not worth compressing.
	compressThreshold = 256
)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams are the parameters used for real passwords.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// Encryptor encrypts and decrypts with a password-derived key.
type Encryptor struct {
	params KDFParams

	mu       sync.Mutex
	password string
	salt     []byte // salt used for new ciphertexts this session
	aeads    map[string]cipher.AEAD
}

// NewEncryptor returns an encryptor with no password set.
func NewEncryptor(params KDFParams) *Encryptor {
	return &Encryptor{params: params, aeads: make(map[string]cipher.AEAD)}
}

// SetPassword replaces the password and drops every cached key.
func (e *Encryptor) SetPassword(password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = password
	e.salt = nil
	e.aeads = make(map[string]cipher.AEAD)
}

// UsePassword sets password unless it is already the active one, keeping
// derived keys cached across calls with the same password.
func (e *Encryptor) UsePassword(password string) {
	e.mu.Lock()
	same := e.password == password
	e.mu.Unlock()
	if !same {
		e.SetPassword(password)
	}
}

// Clear forgets the password and cached keys.
func (e *Encryptor) Clear() {
	e.SetPassword("")
}

// HasKey reports whether a password is configured.
func (e *Encryptor) HasKey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.password != ""
}

// aeadFor returns the cipher for salt, deriving the key on first use.
func (e *Encryptor) aeadFor(salt []byte) (cipher.AEAD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.password == "" {
		return nil, ErrMissingKey
	}
	id := hex.EncodeToString(salt)
	if a, ok := e.aeads[id]; ok {
		return a, nil
	}

	key := argon2.IDKey([]byte(e.password), salt, e.params.Time, e.params.MemoryKiB, e.params.Threads, keySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	e.aeads[id] = gcm
	return gcm, nil
}

// sessionSalt returns the salt for new ciphertexts, creating it on first use.
func (e *Encryptor) sessionSalt() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.password == "" {
		return nil, ErrMissingKey
	}
	if e.salt == nil {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		e.salt = salt
	}
	return e.salt, nil
}

// Encrypt seals plaintext and returns it base64 encoded.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	salt, err := e.sessionSalt()
	if err != nil {
		return "", err
	}
	gcm, err := e.aeadFor(salt)
	if err != nil {
		return "", err
	}

	var flags byte
	body := plaintext
	if len(plaintext) >= compressThreshold {
		if c := snappy.Encode(nil, plaintext); len(c) < len(plaintext) {
			body = c
			flags |= flagSnappy
		}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	header := make([]byte, 0, 2+saltSize+len(nonce))
	header = append(header, formatVersion, flags)
	header = append(header, salt...)
	header = append(header, nonce...)

	// The header is authenticated so flags and salt cannot be swapped.
	sealed := gcm.Seal(nil, nonce, body, header)
	return base64.StdEncoding.EncodeToString(append(header, sealed...)), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	if !e.HasKey() {
		return nil, ErrMissingKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 2+saltSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	if raw[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrMalformed, raw[0])
	}
	flags := raw[1]
	salt := raw[2 : 2+saltSize]

	gcm, err := e.aeadFor(salt)
	if err != nil {
		return nil, err
	}
	headerLen := 2 + saltSize + gcm.NonceSize()
	if len(raw) < headerLen+gcm.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	header := raw[:headerLen]
	nonce := raw[2+saltSize : headerLen]

	body, err := gcm.Open(nil, nonce, raw[headerLen:], header)
	if err != nil {
		return nil, ErrWrongKey
	}
	if flags&flagSnappy != 0 {
		plain, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
		return plain, nil
	}
	return bytes.Clone(body), nil
}
