// Package sanitize derives storage-safe keys from table identifiers.
//
// Cell keys are built from primary-key values and column names taken verbatim
// from input tables, so they can contain path separators, quotes, and other
// characters that are not valid in file names on every platform.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxKeyLength is the maximum length, in bytes, of a derived key. File
	// systems limit names in bytes, and a CJK rune is three of them.
	MaxKeyLength = 100

	// HashSuffixLength is the length of the hash suffix added to truncated keys.
	// Format: _<8-hex-hash> = 9 bytes total
	HashSuffixLength = 9

	// EmptyKey is used when sanitization produces an empty result.
	EmptyKey = "_"
)

// ErrInvalidJobID indicates a job identifier cannot be used as a directory name.
var ErrInvalidJobID = errors.New("invalid job id")

// illegalChars are stripped from keys: \ / * ? : " < > |
var illegalChars = regexp.MustCompile(`[\\/*?:"<>|]`)

// FileKey converts an identifier into a key usable as a file name.
//
// Rules applied:
//   - Strips \ / * ? : " < > |
//   - Replaces spaces with underscores
//   - Caps the result at MaxKeyLength bytes, cutting on a rune boundary
//
// Keys longer than the cap keep a prefix and an 8-character hash of the full
// sanitized key, so two distinct long identifiers sharing a prefix never map
// to the same file.
//
// Examples:
//
//	"Alice,Total Score" -> "Alice,Total_Score"
//	"a/b: c"            -> "ab_c"
func FileKey(s string) string {
	key := illegalChars.ReplaceAllString(s, "")
	key = strings.ReplaceAll(key, " ", "_")

	if key == "" {
		return EmptyKey
	}
	if len(key) > MaxKeyLength {
		key = truncateWithHash(key)
	}
	return key
}

// truncateWithHash cuts s to at most MaxKeyLength bytes including a hash
// suffix, never splitting a multibyte rune.
//
// Format: <truncated>_<8-hex-hash>
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	hashSuffix := "_" + hex.EncodeToString(hash[:])[:8]

	cut := MaxKeyLength - HashSuffixLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	truncated := strings.TrimRight(s[:cut], "_")

	return truncated + hashSuffix
}

// JobID validates that id can name a job directory directly below the output root.
func JobID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	if filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}
