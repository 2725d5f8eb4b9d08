// Package secrets decrypts $secret values embedded in furnace configs.
//
// A config opts in by carrying a top-level $secret_meta block with a base64
// salt and a password verifier token. Any mapping of the form
// {$secret: <token>} anywhere in the document is replaced by its decrypted
// plaintext. Keys derive from the password via PBKDF2-HMAC-SHA256 and
// tokens use the Fernet format, so configs encrypted by earlier tooling
// decrypt unchanged.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MetaKey is the top-level block carrying salt and verifier.
	MetaKey = "$secret_meta"
	// FieldKey marks an encrypted value node.
	FieldKey = "$secret"

	metaSaltKey     = "salt"
	metaVerifierKey = "verifier"

	// verifierPlaintext is the fixed plaintext of the verifier token,
	// used to authenticate the password before touching any field.
	verifierPlaintext = "cryamlsecret0.1"

	iterations = 390000
	keyLen     = 32
	saltLen    = 16
)

// PasswordFunc supplies the decryption password on demand. It is invoked at
// most once per Process call, and only when an encrypted config is seen.
type PasswordFunc func() (string, error)

// Meta is the decoded $secret_meta block.
type Meta struct {
	Salt     []byte
	Verifier string
}

// LoadMeta parses and validates a $secret_meta mapping.
func LoadMeta(raw map[string]interface{}) (Meta, error) {
	saltB64, ok := raw[metaSaltKey].(string)
	if !ok {
		return Meta{}, fmt.Errorf("%s: %s must be a base64 string", MetaKey, metaSaltKey)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return Meta{}, fmt.Errorf("%s: invalid base64 salt: %w", MetaKey, err)
	}
	verifier, ok := raw[metaVerifierKey].(string)
	if !ok {
		return Meta{}, fmt.Errorf("%s: %s must be a string", MetaKey, metaVerifierKey)
	}
	return Meta{Salt: salt, Verifier: verifier}, nil
}

// NewMeta creates a fresh meta block (random salt, verifier encrypted with
// the given password).
func NewMeta(password string) (Meta, error) {
	if password == "" {
		return Meta{}, fmt.Errorf("password cannot be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Meta{}, err
	}
	m := Meta{Salt: salt}
	verifier, err := m.Encrypt(password, verifierPlaintext)
	if err != nil {
		return Meta{}, err
	}
	m.Verifier = verifier
	return m, nil
}

// Store renders the meta block for embedding into a YAML document.
func (m Meta) Store() map[string]interface{} {
	return map[string]interface{}{
		metaSaltKey:     base64.StdEncoding.EncodeToString(m.Salt),
		metaVerifierKey: m.Verifier,
	}
}

// AssertPassword checks the password against the verifier token.
func (m Meta) AssertPassword(password string) error {
	plain, err := m.Decrypt(password, m.Verifier)
	if err != nil || plain != verifierPlaintext {
		return fmt.Errorf("incorrect password for encrypted secrets")
	}
	return nil
}

// Encrypt produces a Fernet token for value under the given password.
func (m Meta) Encrypt(password, value string) (string, error) {
	key, err := m.key(password)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(value), key)
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return string(tok), nil
}

// Decrypt reverses Encrypt. Tokens never expire; configs are long-lived.
func (m Meta) Decrypt(password, token string) (string, error) {
	key, err := m.key(password)
	if err != nil {
		return "", err
	}
	plain := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{key})
	if plain == nil {
		return "", fmt.Errorf("invalid or corrupted token")
	}
	return string(plain), nil
}

func (m Meta) key(password string) (*fernet.Key, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	raw := pbkdf2.Key([]byte(password), m.Salt, iterations, keyLen, sha256.New)
	var key fernet.Key
	copy(key[:], raw)
	return &key, nil
}

// Process replaces every $secret node in doc with its decrypted plaintext.
// A document without a $secret_meta block is returned untouched. The
// password callback is consulted lazily and verified against the meta block
// before any field is decrypted.
func Process(doc map[string]interface{}, password PasswordFunc) (map[string]interface{}, error) {
	rawMeta, ok := doc[MetaKey].(map[string]interface{})
	if !ok {
		return doc, nil
	}
	meta, err := LoadMeta(rawMeta)
	if err != nil {
		return nil, err
	}

	var verified string
	ensurePassword := func() (string, error) {
		if verified != "" {
			return verified, nil
		}
		if password == nil {
			return "", fmt.Errorf("config contains encrypted secrets but no password was provided")
		}
		pw, err := password()
		if err != nil {
			return "", err
		}
		if err := meta.AssertPassword(pw); err != nil {
			return "", err
		}
		verified = pw
		return pw, nil
	}

	out, err := replaceSecrets(doc, meta, ensurePassword, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func replaceSecrets(node interface{}, meta Meta, password PasswordFunc, path string) (interface{}, error) {
	switch n := node.(type) {
	case map[string]interface{}:
		if tok, ok := n[FieldKey]; ok {
			s, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("%s: %s values must be strings", path, FieldKey)
			}
			pw, err := password()
			if err != nil {
				return nil, err
			}
			plain, err := meta.Decrypt(pw, s)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to decrypt secret: %w", path, err)
			}
			return plain, nil
		}
		out := make(map[string]interface{}, len(n))
		for k, v := range n {
			if k == MetaKey {
				out[k] = v
				continue
			}
			replaced, err := replaceSecrets(v, meta, password, path+"/"+k)
			if err != nil {
				return nil, err
			}
			out[k] = replaced
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			replaced, err := replaceSecrets(item, meta, password, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = replaced
		}
		return out, nil

	default:
		return n, nil
	}
}
