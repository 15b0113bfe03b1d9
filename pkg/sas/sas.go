// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-dps.
//
// go-dps is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package sas creates and parses SharedAccessSignature tokens used to
// authenticate against the provisioning service and IoT hubs.
//
// A token signs "<url-encoded resource uri>\n<expiry>" with HMAC-SHA256,
// either with a shared key or through a signing function such as a TPM
// identity key:
//
//	SharedAccessSignature sr=<uri>&sig=<signature>&skn=<key name>&se=<expiry>
package sas

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Prefix starts every token.
const Prefix = "SharedAccessSignature "

var (
	ErrInvalidToken = errors.New("sas: invalid shared access signature")
	ErrInvalidKey   = errors.New("sas: key is not valid base64")
)

// SigningFunc returns the raw HMAC of data. Implementations may use
// hardware keys and may block.
type SigningFunc func(ctx context.Context, data []byte) ([]byte, error)

// SharedAccessSignature holds the fields of a token. Sr and Sig hold the
// URL-encoded values exactly as they appear in the token.
type SharedAccessSignature struct {
	Sr  string
	Sig string
	Skn string
	Se  int64
}

// Create signs resourceURI with a base64 encoded shared key.
func Create(resourceURI, keyName, key string, expiry int64) (*SharedAccessSignature, error) {
	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return CreateWithSigningFunction(context.Background(), resourceURI, keyName, expiry,
		func(_ context.Context, data []byte) ([]byte, error) {
			mac := hmac.New(sha256.New, rawKey)
			mac.Write(data)
			return mac.Sum(nil), nil
		})
}

// CreateWithSigningFunction signs resourceURI through sign.
func CreateWithSigningFunction(ctx context.Context, resourceURI, keyName string, expiry int64, sign SigningFunc) (*SharedAccessSignature, error) {
	if resourceURI == "" {
		return nil, fmt.Errorf("%w: empty resource uri", ErrInvalidToken)
	}
	sr := EncodeURIComponent(resourceURI)
	sig, err := sign(ctx, []byte(StringToSign(sr, expiry)))
	if err != nil {
		return nil, err
	}
	return &SharedAccessSignature{
		Sr:  sr,
		Sig: EncodeURIComponent(base64.StdEncoding.EncodeToString(sig)),
		Skn: keyName,
		Se:  expiry,
	}, nil
}

// ExpiryAfter returns the expiry, in seconds since the epoch, for a token
// valid for d starting now.
func ExpiryAfter(d time.Duration) int64 {
	return time.Now().Add(d).Unix()
}

// StringToSign is the payload signed for an encoded resource uri.
func StringToSign(encodedURI string, expiry int64) string {
	return encodedURI + "\n" + strconv.FormatInt(expiry, 10)
}

// String renders the token. skn is omitted when no key name is set.
func (s *SharedAccessSignature) String() string {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString("sr=")
	b.WriteString(s.Sr)
	b.WriteString("&sig=")
	b.WriteString(s.Sig)
	if s.Skn != "" {
		b.WriteString("&skn=")
		b.WriteString(EncodeURIComponent(s.Skn))
	}
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(s.Se, 10))
	return b.String()
}

// ResourceURI returns the decoded resource uri.
func (s *SharedAccessSignature) ResourceURI() (string, error) {
	return url.QueryUnescape(s.Sr)
}

// Expired reports whether the token expiry is at or before now.
func (s *SharedAccessSignature) Expired(now time.Time) bool {
	return now.Unix() >= s.Se
}

// Parse reads a token produced by String. sr, sig and se are required.
func Parse(token string) (*SharedAccessSignature, error) {
	if !strings.HasPrefix(token, Prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidToken, strings.TrimSpace(Prefix))
	}
	var (
		s     SharedAccessSignature
		hasSe bool
	)
	for _, field := range strings.Split(strings.TrimPrefix(token, Prefix), "&") {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed field %q", ErrInvalidToken, field)
		}
		switch key {
		case "sr":
			s.Sr = value
		case "sig":
			s.Sig = value
		case "skn":
			skn, err := url.QueryUnescape(value)
			if err != nil {
				return nil, fmt.Errorf("%w: skn: %v", ErrInvalidToken, err)
			}
			s.Skn = skn
		case "se":
			se, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: se: %v", ErrInvalidToken, err)
			}
			s.Se = se
			hasSe = true
		}
	}
	if s.Sr == "" || s.Sig == "" || !hasSe {
		return nil, fmt.Errorf("%w: sr, sig and se are required", ErrInvalidToken)
	}
	return &s, nil
}

// DeriveDeviceKey derives a device key from a group enrollment key:
// base64(HMAC-SHA256(groupKey, registrationID)).
func DeriveDeviceKey(groupKey, registrationID string) (string, error) {
	rawKey, err := base64.StdEncoding.DecodeString(groupKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	mac := hmac.New(sha256.New, rawKey)
	mac.Write([]byte(registrationID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// EncodeURIComponent percent-encodes everything except ALPHA, DIGIT and
// "-_.~". Spaces become %20.
func EncodeURIComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
