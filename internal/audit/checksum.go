package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrIntegrity means a stored record no longer matches its write-time
// checksum. The row is never auto-corrected; it is preserved for forensics.
var ErrIntegrity = errors.New("audit: integrity check failed")

// Checksummer produces the keyed tamper-evidence digest written with every
// record. The key lives outside the database, so a database-side edit cannot
// recompute a valid digest.
type Checksummer struct {
	key []byte
}

// NewChecksummer builds a checksummer from a non-empty key.
func NewChecksummer(key string) (*Checksummer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("audit integrity key is not configured")
	}
	return &Checksummer{key: []byte(key)}, nil
}

// Compute returns the digest over the record's immutable fields. Map values
// serialize with sorted keys, so equal content always digests equally.
func (c *Checksummer) Compute(rec Record) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(canonicalPayload(rec)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares it with the stored value.
func (c *Checksummer) Verify(rec Record) error {
	expected := c.Compute(rec)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(rec.Checksum)) != 1 {
		return fmt.Errorf("%w: record %s", ErrIntegrity, rec.ID)
	}
	return nil
}

func canonicalPayload(rec Record) string {
	fields := []string{
		rec.ID,
		rec.OrganizationID,
		rec.ActorID,
		string(rec.Action),
		rec.ResourceType,
		rec.ResourceID,
		string(rec.Classification),
		strconv.FormatBool(rec.PHIAccessed),
		strconv.FormatBool(rec.ConsentVerified),
		strconv.FormatBool(rec.Elevated),
		strconv.FormatBool(rec.Success),
		rec.ErrorMessage,
		rec.IPAddress,
		rec.UserAgent,
		rec.RequestID,
		rec.Endpoint,
		rec.Method,
		strconv.Itoa(rec.ResponseStatus),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		canonicalJSON(rec.OldValues),
		canonicalJSON(rec.NewValues),
	}
	return strings.Join(fields, "\x1f")
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "unserializable"
	}
	return string(data)
}
