package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-log-service/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedData is the self-contained envelope for one encrypted value.
// The wrapped DEK travels with the ciphertext so any copy of the record
// can be decrypted with nothing but KMS access.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// envelopePrefix tags archived values. Both payload tokens are standard
// base64, which never contains a colon, so the format splits cleanly.
const envelopePrefix = "kms:v1:"

// Envelope renders the encrypted value as a single archivable string:
// kms:v1:<wrapped dek>:<nonce+ciphertext>.
func (e *EncryptedData) Envelope() string {
	return envelopePrefix + e.EncryptedDEK + ":" + e.EncryptedValue
}

// ParseEnvelope reverses Envelope. The key id and creation time do not
// survive the round trip; decryption needs neither.
func ParseEnvelope(s string) (*EncryptedData, error) {
	rest, ok := strings.CutPrefix(s, envelopePrefix)
	if !ok {
		return nil, fmt.Errorf("%w: not an encrypted envelope", ErrDecryptionFailed)
	}
	dek, value, ok := strings.Cut(rest, ":")
	if !ok || dek == "" || value == "" {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	return &EncryptedData{
		EncryptedValue: value,
		EncryptedDEK:   dek,
		Version:        "v1",
	}, nil
}

// IsEnvelope reports whether s carries the archived envelope format.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager performs envelope encryption for audit payloads and
// log streams. Without KMS the DEK wrap degrades to base64, which keeps
// development and tests running but protects nothing.
type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config
	logger    *zap.Logger
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client, logger *zap.Logger) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
		logger:    logger,
	}
}

// GenerateDataKey returns a fresh AES-256 DEK, wrapped by KMS when
// enabled.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.config.KMS.Enabled || em.kmsClient == nil {
		return em.generateLocalKey()
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local encryption key: %w", err)
	}

	return &DataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      uuid.New().String(),
	}, nil
}

// EncryptField seals one value under a fresh DEK.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := sealWithKey(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   cacheKey,
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField reverses EncryptField, unwrapping the DEK through KMS on
// a cache miss.
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData) (string, error) {
	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return em.decryptWithKey(encryptedData.EncryptedValue, cached.([]byte))
	}

	var plaintextDEK []byte
	if em.config.KMS.Enabled && em.kmsClient != nil {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
		if decoded, err2 := base64.StdEncoding.DecodeString(string(plaintextDEK)); err2 == nil && len(decoded) == 32 {
			plaintextDEK = decoded
		}
	}

	em.keyCache.Store(cacheKey, plaintextDEK)

	return em.decryptWithKey(encryptedData.EncryptedValue, plaintextDEK)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	plaintext, err := openWithKey(key, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ClearCache drops every cached DEK.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) CacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// -------------------- LINE ENCRYPTOR --------------------

// encryptedLine is one sealed log line. Each line repeats the wrapped
// DEK so rotated files stay independently decryptable.
type encryptedLine struct {
	Version string `json:"v"`
	KeyID   string `json:"key_id"`
	DEK     string `json:"dek"`
	Data    string `json:"data"`
}

// LineEncryptor seals log lines under a single stream DEK generated at
// startup. It is safe for concurrent use.
type LineEncryptor struct {
	dek    *DataKey
	dekB64 string
	mu     sync.Mutex
}

// NewLineEncryptor generates the stream DEK once; every line written
// through the returned encryptor is sealed with it.
func (em *EncryptionManager) NewLineEncryptor(ctx context.Context) (*LineEncryptor, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	em.logger.Info("Log stream encryption enabled",
		zap.String("key_id", dataKey.KeyID),
		zap.Bool("kms", em.config.KMS.Enabled),
	)

	return &LineEncryptor{
		dek:    dataKey,
		dekB64: base64.StdEncoding.EncodeToString(dataKey.Ciphertext),
	}, nil
}

// EncryptLine seals one record and returns the replacement line,
// newline included.
func (le *LineEncryptor) EncryptLine(p []byte) ([]byte, error) {
	le.mu.Lock()
	defer le.mu.Unlock()

	ciphertext, err := sealWithKey(le.dek.Plaintext, p)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(encryptedLine{
		Version: "v1",
		KeyID:   le.dek.KeyID,
		DEK:     le.dekB64,
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return append(line, '\n'), nil
}

// DecryptLine reverses EncryptLine. Used by offline readers and tests.
func (em *EncryptionManager) DecryptLine(ctx context.Context, line []byte) ([]byte, error) {
	var sealed encryptedLine
	if err := json.Unmarshal(line, &sealed); err != nil {
		return nil, fmt.Errorf("%w: malformed encrypted line", ErrDecryptionFailed)
	}

	plaintext, err := em.DecryptField(ctx, &EncryptedData{
		EncryptedValue: sealed.Data,
		EncryptedDEK:   sealed.DEK,
		KeyID:          sealed.KeyID,
		Version:        sealed.Version,
	})
	if err != nil {
		return nil, err
	}
	return []byte(plaintext), nil
}

// -------------------- AES-GCM HELPERS --------------------

func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithKey(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
