// Package completion issues and checks the survey codes handed to
// participants who finish the study.
package completion

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	codePrefix  = "TASK"
	codeAlpha   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomLen   = 6
	userHashLen = 4

	// StatusCompleted is the only completion status the backend records.
	StatusCompleted = "completed"
)

var (
	codePattern   = regexp.MustCompile(`(?i)^TASK-[A-Z0-9]+-[A-Z0-9]{6}-[A-Z0-9]{4}$`)
	userIDPattern = regexp.MustCompile(`(?i)^[a-f0-9]{8,32}$`)
)

// ErrCodeNotFound is returned when a well-formed code has no record.
var ErrCodeNotFound = errors.New("completion: survey code not found")

// Generate returns a survey code for userID:
// TASK-<base36 unix ms>-<6 random chars>-<4 char user hash>.
func Generate(userID string, now time.Time) (string, error) {
	random, err := randomString(randomLen)
	if err != nil {
		return "", fmt.Errorf("completion: generate code: %w", err)
	}
	stamp := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
	return strings.Join([]string{codePrefix, stamp, random, UserHash(userID)}, "-"), nil
}

// UserHash returns the 4-character code suffix derived from userID.
func UserHash(userID string) string {
	sum := blake2b.Sum256([]byte(userID))
	s := strings.ToUpper(new(big.Int).SetBytes(sum[:]).Text(36))
	for len(s) < userHashLen {
		s = "0" + s
	}
	return s[:userHashLen]
}

// ValidCode reports whether code is a well-formed survey code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// ValidUserID reports whether id is 8 to 32 hex characters.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Normalize upper-cases and trims a code as entered by a participant.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// MatchesUser reports whether code was issued for userID.
func MatchesUser(code, userID string) bool {
	code = Normalize(code)
	if !ValidCode(code) {
		return false
	}
	return strings.HasSuffix(code, "-"+UserHash(userID))
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(codeAlpha)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlpha[v.Int64()]
	}
	return string(b), nil
}
