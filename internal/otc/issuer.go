// Package otc issues the one-time codes students type to mark themselves present.
package otc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"otcattendance/internal/apperr"
	"otcattendance/internal/metrics"
)

// Alphabet excludes 0/O, 1/I/L and 2/Z so codes survive being read off a projector.
const Alphabet = "3456789ABCDEFGHJKMNPQRSTUVWXY"

const (
	DefaultLength      = 6
	DefaultMaxAttempts = 16
	minLength          = 4
)

// CodeChecker answers whether a code is held by any session that has not expired at now.
type CodeChecker interface {
	CodeInUse(ctx context.Context, code string, now time.Time) (bool, error)
}

// Draft is what the issuer knows about the session it is issuing for.
type Draft struct {
	SubjectID string
	ExpiresAt time.Time
}

// Issuer generates collision-free codes.
type Issuer struct {
	checker     CodeChecker
	length      int
	maxAttempts int
	random      func(n int) (string, error)
	logger      *zap.Logger
}

// NewIssuer builds an issuer. Non-positive length or attempts fall back to defaults.
func NewIssuer(checker CodeChecker, length, maxAttempts int, logger *zap.Logger) *Issuer {
	if length < minLength {
		length = DefaultLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{checker: checker, length: length, maxAttempts: maxAttempts, random: Random, logger: logger}
}

// Issue returns a code not currently held by any non-expired session.
func (i *Issuer) Issue(ctx context.Context, draft Draft, now time.Time) (string, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		code, err := i.random(i.length)
		if err != nil {
			return "", apperr.Wrap(err, apperr.ErrInternal.Code, apperr.ErrInternal.Status, "generate session code")
		}
		inUse, err := i.checker.CodeInUse(ctx, code, now)
		if err != nil {
			return "", err
		}
		if !inUse {
			metrics.OTCIssueAttempts.Observe(float64(attempt))
			return code, nil
		}
		i.logger.Debug("otc collision", zap.String("subject_id", draft.SubjectID), zap.Int("attempt", attempt))
	}
	metrics.OTCIssueFailures.Inc()
	i.logger.Warn("otc issuance exhausted", zap.String("subject_id", draft.SubjectID), zap.Int("attempts", i.maxAttempts))
	return "", apperr.ErrIssuanceExhausted
}

// Random draws n characters from Alphabet using crypto/rand.
func Random(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("otc: length must be positive")
	}
	max := big.NewInt(int64(len(Alphabet)))
	var b strings.Builder
	b.Grow(n)
	for k := 0; k < n; k++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("otc: read random: %w", err)
		}
		b.WriteByte(Alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// Normalize upper-cases and trims user input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// WellFormed reports whether code could have been issued: non-empty and drawn from Alphabet.
// Length is not checked so codes survive a length change in configuration.
func WellFormed(code string) bool {
	if len(code) < minLength {
		return false
	}
	for k := 0; k < len(code); k++ {
		if !strings.ContainsRune(Alphabet, rune(code[k])) {
			return false
		}
	}
	return true
}
