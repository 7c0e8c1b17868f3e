// Package ids generates and parses the human-readable composite entity
// ids used across the platform: PREFIX-YYYYMMDD-OFF-RRRR-S, where OFF
// is two province plus two district letters and S encodes the intake
// source. The trailing source letter governs status-frame routing.
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Entity prefixes.
const (
	PrefixGrievance     = "GR"
	PrefixComplainant   = "CM"
	PrefixRecording     = "REC"
	PrefixTranscription = "TR"
	PrefixTranslation   = "TL"
)

// Intake sources.
const (
	SourceBot        = "B"
	SourceAccessible = "A"
)

const randLen = 4

var idPattern = regexp.MustCompile(`^(GR|CM|REC|TR|TL)-(\d{8})-([A-Z0-9]{2,4})-([A-F0-9]{4})-([AB])$`)

// ID is a parsed composite entity id.
type ID struct {
	Prefix string
	Date   string // YYYYMMDD
	Office string
	Rand   string
	Source string
}

func (id ID) String() string {
	return strings.Join([]string{id.Prefix, id.Date, id.Office, id.Rand, id.Source}, "-")
}

// New generates an id for the given prefix, office code, and source.
func New(prefix, office, source string) (string, error) {
	if !validPrefix(prefix) {
		return "", fmt.Errorf("unknown entity prefix %q", prefix)
	}
	if source != SourceBot && source != SourceAccessible {
		return "", fmt.Errorf("unknown intake source %q", source)
	}

	buf := make([]byte, randLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id entropy: %w", err)
	}

	id := ID{
		Prefix: prefix,
		Date:   time.Now().UTC().Format("20060102"),
		Office: strings.ToUpper(office),
		Rand:   strings.ToUpper(fmt.Sprintf("%x", buf)),
		Source: source,
	}
	return id.String(), nil
}

// Parse validates and decomposes a composite id.
func Parse(id string) (ID, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ID{}, fmt.Errorf("malformed entity id %q", id)
	}
	return ID{Prefix: m[1], Date: m[2], Office: m[3], Rand: m[4], Source: m[5]}, nil
}

// Source returns the intake source letter of an id, or "" when the id
// is malformed.
func Source(id string) string {
	parsed, err := Parse(id)
	if err != nil {
		return ""
	}
	return parsed.Source
}

// IsAccessible reports whether the id belongs to an accessible-intake
// session. Only accessible routes emit status frames to subscribers.
func IsAccessible(id string) bool {
	return Source(id) == SourceAccessible
}

func validPrefix(prefix string) bool {
	switch prefix {
	case PrefixGrievance, PrefixComplainant, PrefixRecording,
		PrefixTranscription, PrefixTranslation:
		return true
	}
	return false
}
