package securestore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SVSEAL1\n"
)

var (
	ErrAuthFailed   = errors.New("securestore authentication failed")
	ErrInvalid      = errors.New("securestore envelope is invalid")
	ErrPlaintext    = errors.New("securestore data is not sealed")
	ErrNoPassphrase = errors.New("securestore passphrase is empty")
)

type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Params are the Argon2id costs used when sealing. Opening always uses the
// costs recorded in the envelope.
type Params struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

func DefaultParams() Params {
	return Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

// Sealer encrypts snapshots under a passphrase.
type Sealer struct {
	passphrase string
	params     Params
}

func NewSealer(passphrase string, params Params) (*Sealer, error) {
	passphrase = strings.TrimSpace(passphrase)
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	def := DefaultParams()
	if params.Time == 0 {
		params.Time = def.Time
	}
	if params.MemoryKB == 0 {
		params.MemoryKB = def.MemoryKB
	}
	if params.Threads == 0 {
		params.Threads = def.Threads
	}
	return &Sealer{passphrase: passphrase, params: params}, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	env, err := s.SealEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func (s *Sealer) SealEnvelope(plaintext []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     s.params.Time,
		KDFMemoryKB: s.params.MemoryKB,
		KDFThreads:  s.params.Threads,
		Salt:        salt,
	}
	key := deriveKey(s.passphrase, env)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, headerBytes(env))
	return env, nil
}

func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrPlaintext
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return s.OpenEnvelope(&env)
}

func (s *Sealer) OpenEnvelope(env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFMemoryKB == 0 || env.KDFThreads == 0 || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := deriveKey(s.passphrase, env)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, headerBytes(env))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed snapshot prefix.
func IsSealed(data []byte) bool {
	return strings.HasPrefix(string(data), filePrefix)
}

func deriveKey(passphrase string, env *Envelope) []byte {
	return argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
}

// headerBytes binds the KDF costs to the ciphertext.
func headerBytes(env *Envelope) []byte {
	out := make([]byte, 0, 16+len(env.Salt))
	out = binary.BigEndian.AppendUint32(out, env.Version)
	out = binary.BigEndian.AppendUint32(out, env.KDFTime)
	out = binary.BigEndian.AppendUint32(out, env.KDFMemoryKB)
	out = append(out, env.KDFThreads)
	return append(out, env.Salt...)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
