package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/autoflow-backend/internal/resilience"
)

// GenerateKey derives an idempotency key from the logical content of an
// operation. It reads no clock, so a retry with the same operation, owner and
// payload always gets the same key.
func GenerateKey(operationType string, ownerID uuid.UUID, payload any) (string, error) {
	operationType = strings.TrimSpace(operationType)
	if operationType == "" {
		return "", resilience.Validation("idempotency.generate_key", "operation_type is required")
	}
	body, err := CanonicalJSON(payload)
	if err != nil {
		return "", resilience.Validationf("idempotency.generate_key", "payload is not JSON encodable: %v", err)
	}
	h := sha256.New()
	h.Write([]byte(operationType))
	h.Write([]byte{'\n'})
	h.Write([]byte(ownerID.String()))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint hashes the canonical form of payload alone.
func Fingerprint(payload any) (string, error) {
	body, err := CanonicalJSON(payload)
	if err != nil {
		return "", resilience.Validationf("idempotency.fingerprint", "payload is not JSON encodable: %v", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v with object keys sorted and no insignificant
// whitespace. Numbers keep their literal form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
