package mqtt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// maxSkew bounds how far a signed request timestamp may be from now.
const maxSkew = 5 * time.Minute

var errBadSignature = errors.New("signature verification failed")

// WipeRequest is the payload of the remote wipe control topic.
type WipeRequest struct {
	Staff     string `json:"staff"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"` // hex or base64 HMAC-SHA256
}

// SignWipeRequest computes the signature of a wipe request for node,
// returned as hex and base64.
func SignWipeRequest(base64Secret, staff, node string, ts uint64) (string, string, error) {
	secret, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 secret: %w", err)
	}
	if len(secret) == 0 {
		return "", "", errors.New("secret cannot be empty")
	}

	msg := make([]byte, 0, len(staff)+len(node)+8)
	msg = append(msg, staff...)
	msg = append(msg, node...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ts)
	msg = append(msg, tsBuf[:]...)

	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum), base64.StdEncoding.EncodeToString(sum), nil
}

// VerifyWipeRequest checks the signature and timestamp of req for node.
func VerifyWipeRequest(base64Secret, node string, req WipeRequest, now time.Time) error {
	sigHex, sigBase64, err := SignWipeRequest(base64Secret, req.Staff, node, req.Timestamp)
	if err != nil {
		return err
	}
	if !signatureMatches(req.Signature, sigHex, sigBase64) {
		return errBadSignature
	}

	ts := time.Unix(int64(req.Timestamp), 0)
	if now.Before(ts.Add(-maxSkew)) || now.After(ts.Add(maxSkew)) {
		return fmt.Errorf("timestamp %s out of range", ts.UTC().Format(time.RFC3339))
	}
	return nil
}

func signatureMatches(provided, sigHex, sigBase64 string) bool {
	if decoded, err := hex.DecodeString(provided); err == nil {
		expected, _ := hex.DecodeString(sigHex)
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return true
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil {
		expected, _ := base64.StdEncoding.DecodeString(sigBase64)
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return true
		}
	}
	return false
}
