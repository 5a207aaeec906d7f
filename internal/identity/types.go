package identity

// Identity is the public face of a vault controller.
type Identity struct {
	ID                  string
	SigningPublicKey    []byte
	EncryptionPublicKey []byte
}

type DerivedKeys struct {
	SigningPrivateKey    []byte // Ed25519 private key bytes (64)
	SigningPublicKey     []byte // Ed25519 public key bytes (32)
	EncryptionPrivateKey []byte // X25519 scalar (32)
	EncryptionPublicKey  []byte // X25519 point (32)
}

// KDFParams tunes the Argon2id stretch applied to authenticator secrets.
type KDFParams struct {
	Time     uint32 `yaml:"time" json:"time"`
	MemoryKB uint32 `yaml:"memory_kb" json:"memory_kb"`
	Threads  uint8  `yaml:"threads" json:"threads"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p KDFParams) normalized() KDFParams {
	def := DefaultKDFParams()
	if p.Time == 0 {
		p.Time = def.Time
	}
	if p.MemoryKB == 0 {
		p.MemoryKB = def.MemoryKB
	}
	if p.Threads == 0 {
		p.Threads = def.Threads
	}
	return p
}

// Wipe zeroes the private halves in place.
func (k *DerivedKeys) Wipe() {
	if k == nil {
		return
	}
	zeroBytes(k.SigningPrivateKey)
	zeroBytes(k.EncryptionPrivateKey)
}

func (k *DerivedKeys) Identity() (Identity, error) {
	if k == nil {
		return Identity{}, ErrIdentityInit
	}
	id, err := BuildIdentityID(k.SigningPublicKey)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ID:                  id,
		SigningPublicKey:    append([]byte(nil), k.SigningPublicKey...),
		EncryptionPublicKey: append([]byte(nil), k.EncryptionPublicKey...),
	}, nil
}
