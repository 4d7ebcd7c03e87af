// Package ids generates and validates the short identifiers the coordinator
// persists to disk: session ids, task ids, worker task ids, pipeline ids,
// team names, and member names.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxIDLength is the longest identifier accepted from a tool call.
const MaxIDLength = 80

// safeCharset matches the charset every persisted identifier must obey:
// letters, digits, dot, underscore, dash. No path separators, no "..".
var safeCharset = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// safeCharsetWithColon additionally allows ':' for model/agent strings
// (e.g. "claude:sonnet").
var safeCharsetWithColon = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ErrUnsafe is returned when an identifier fails the safe charset check.
var ErrUnsafe = errors.New("identifier contains unsafe characters")

// ErrTooLong is returned when an identifier exceeds MaxIDLength.
var ErrTooLong = errors.New("identifier too long")

// ErrEmpty is returned when a required identifier is empty.
var ErrEmpty = errors.New("identifier is empty")

// Validate checks id against the safe charset, length cap, and rejects any
// path traversal attempt. field is used only to build the error message.
func Validate(field, id string) error {
	return validate(field, id, safeCharset)
}

// ValidateModel validates a model/agent string, which may also contain ':'.
func ValidateModel(field, id string) error {
	return validate(field, id, safeCharsetWithColon)
}

func validate(field, id string, pattern *regexp.Regexp) error {
	if id == "" {
		return fmt.Errorf("%s: %w", field, ErrEmpty)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s: %w (max %d)", field, ErrTooLong, MaxIDLength)
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%s: %w: path separators or '..' not allowed", field, ErrUnsafe)
	}
	if !pattern.MatchString(id) {
		return fmt.Errorf("%s: %w: %q", field, ErrUnsafe, id)
	}
	return nil
}

// ValidatePath normalizes and validates a file path supplied by a tool call,
// rejecting any attempt to escape the provided root via "..".
func ValidatePath(field, path, root string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s: %w", field, ErrEmpty)
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("%s: %w: contains NUL byte", field, ErrUnsafe)
	}
	cleaned := normalizeSlashes(path)
	if root != "" {
		rel := strings.TrimPrefix(cleaned, normalizeSlashes(root))
		if rel == cleaned && !strings.HasPrefix(cleaned, normalizeSlashes(root)) {
			// Not scoped under root at all; caller decides whether that's fatal.
			return cleaned, nil
		}
	}
	if strings.Contains(cleaned, "/../") || strings.HasSuffix(cleaned, "/..") {
		return "", fmt.Errorf("%s: %w: escapes configured root", field, ErrUnsafe)
	}
	return cleaned, nil
}

func normalizeSlashes(p string) string {
	return strings.ReplaceAll(p, `\`, `/`)
}

// clock is overridable in tests so generated ids are deterministic.
var clock = time.Now

// msNow returns milliseconds since epoch using the package clock.
func msNow() int64 {
	return clock().UnixMilli()
}

// NewTaskID generates a "T<ms-since-epoch>-<suffix>" task id. The random
// suffix disambiguates ids minted within the same millisecond, which
// happens routinely when a batch call mints several ids in one loop.
func NewTaskID() string { return fmt.Sprintf("T%d-%s", msNow(), RandomSuffix()) }

// NewWorkerTaskID generates a "W<ms-since-epoch>-<suffix>" worker task id.
func NewWorkerTaskID() string { return fmt.Sprintf("W%d-%s", msNow(), RandomSuffix()) }

// NewPipelineID generates a "P<ms-since-epoch>-<suffix>" pipeline id.
func NewPipelineID() string { return fmt.Sprintf("P%d-%s", msNow(), RandomSuffix()) }

// RandomSuffix returns a short random hex string, used to disambiguate
// filenames created within the same millisecond by concurrent callers.
func RandomSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewSessionID generates an 8-character session token from the safe
// charset. The coordinator itself never calls this in production — session
// ids are minted by the external session-start hook — it exists for tests
// that need a fixture id.
func NewSessionID() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	var b [8]byte
	_, _ = rand.Read(b[:])
	out := make([]byte, 8)
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out)
}
