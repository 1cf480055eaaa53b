// Package ecpay implements the CheckMacValue signing protocol used by the
// payment gateway's all-in-one checkout and its asynchronous notifications.
package ecpay

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidInput is returned when a field set cannot be signed.
var ErrInvalidInput = errors.New("ecpay: invalid input")

// HashAlgorithm selects the digest used for CheckMacValue.
type HashAlgorithm int

const (
	// SHA256 is transmitted as EncryptType "1".
	SHA256 HashAlgorithm = iota
	// MD5 is transmitted as EncryptType "0".
	MD5
)

// EncryptType returns the EncryptType field value that announces the algorithm.
func (a HashAlgorithm) EncryptType() string {
	if a == MD5 {
		return "0"
	}
	return "1"
}

func (a HashAlgorithm) String() string {
	if a == MD5 {
		return "md5"
	}
	return "sha256"
}

func (a HashAlgorithm) newHash() hash.Hash {
	if a == MD5 {
		return md5.New()
	}
	return sha256.New()
}

// ParseEncryptType maps an EncryptType value to its algorithm.
func ParseEncryptType(v string) (HashAlgorithm, error) {
	switch strings.TrimSpace(v) {
	case "1", "":
		return SHA256, nil
	case "0":
		return MD5, nil
	default:
		return SHA256, fmt.Errorf("%w: unknown encrypt type %q", ErrInvalidInput, v)
	}
}

// Credentials holds the merchant account values shared with the gateway.
type Credentials struct {
	MerchantID string
	HashKey    string
	HashIV     string
	Algorithm  HashAlgorithm
}

// EncryptType returns the value that must be sent alongside signatures made with c.
func (c Credentials) EncryptType() string {
	return c.Algorithm.EncryptType()
}

// restores characters the gateway expects literally after query escaping and
// escapes "~", which the gateway's encoder does not treat as unreserved
var macReplacer = strings.NewReplacer(
	"~", "%7E",
	"%2D", "-", "%2d", "-",
	"%5F", "_", "%5f", "_",
	"%2E", ".", "%2e", ".",
	"%21", "!",
	"%2A", "*", "%2a", "*",
	"%28", "(",
	"%29", ")",
)

// Codec signs and verifies gateway field sets. It holds no mutable state and
// is safe for concurrent use.
type Codec struct {
	creds Credentials
}

// NewCodec creates a codec bound to the given credentials.
func NewCodec(creds Credentials) *Codec {
	return &Codec{creds: creds}
}

// Credentials returns the credentials the codec signs with.
func (c *Codec) Credentials() Credentials {
	return c.creds
}

// IsSignatureKey reports whether key names the signature field.
func IsSignatureKey(key string) bool {
	return strings.EqualFold(key, FieldCheckMacValue)
}

// CanonicalString returns the encoded, lowercased string that is hashed for fields.
func (c *Codec) CanonicalString(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty field set", ErrInvalidInput)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if IsSignatureKey(k) {
			return "", fmt.Errorf("%w: field set already contains %s", ErrInvalidInput, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("HashKey=")
	sb.WriteString(c.creds.HashKey)
	for _, k := range keys {
		sb.WriteByte('&')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
	}
	sb.WriteString("&HashIV=")
	sb.WriteString(c.creds.HashIV)

	encoded := macReplacer.Replace(url.QueryEscape(sb.String()))
	return strings.ToLower(encoded), nil
}

// Sign computes the uppercase hex CheckMacValue for fields.
func (c *Codec) Sign(fields map[string]string) (string, error) {
	canonical, err := c.CanonicalString(fields)
	if err != nil {
		return "", err
	}
	h := c.creds.Algorithm.newHash()
	h.Write([]byte(canonical))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// Verify reports whether fields carry exactly one CheckMacValue and it matches the rest of the set.
func (c *Codec) Verify(fields map[string]string) bool {
	var received string
	matches := 0
	rest := make(map[string]string, len(fields))
	for k, v := range fields {
		if IsSignatureKey(k) {
			received = v
			matches++
			continue
		}
		rest[k] = v
	}
	// more than one alias would make the winner depend on map order
	if matches != 1 || received == "" {
		return false
	}

	expected, err := c.Sign(rest)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// SignFields returns a copy of fields with CheckMacValue added.
func (c *Codec) SignFields(fields map[string]string) (map[string]string, error) {
	mac, err := c.Sign(fields)
	if err != nil {
		return nil, err
	}
	signed := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		signed[k] = v
	}
	signed[FieldCheckMacValue] = mac
	return signed, nil
}
