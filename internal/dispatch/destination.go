// ABOUTME: Destination classification and resolution for outbound messages
// ABOUTME: Normalizes phone numbers and matches group names exactly against live chats

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/2389/wabridge/internal/backend"
)

// IndividualSuffix is appended to a normalized phone number to form a
// contact address.
const IndividualSuffix = "@s.whatsapp.net"

// ErrDestinationNotFound is returned when a group name matches no joined group.
var ErrDestinationNotFound = errors.New("destination not found")

// Kind distinguishes individual contacts from named groups.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
)

// Destination is a resolved send target.
type Destination struct {
	Raw     string
	Kind    Kind
	Address string
}

var (
	phonePattern = regexp.MustCompile(`^\+?\d+$`)
	nonDigit     = regexp.MustCompile(`\D`)
)

// Classify trims raw and reports whether it is a phone number or a group name.
func Classify(raw string) (string, Kind) {
	trimmed := strings.TrimSpace(raw)
	if phonePattern.MatchString(trimmed) {
		return trimmed, KindIndividual
	}
	return trimmed, KindGroup
}

// NormalizeNumber strips every non-digit. A 13-digit Brazilian mobile number
// (55 + area code + 9-digit subscriber) loses its inserted leading 9, giving
// the 12-digit form the backend addresses accounts by.
func NormalizeNumber(s string) string {
	digits := nonDigit.ReplaceAllString(s, "")
	if strings.HasPrefix(digits, "55") && len(digits) == 13 {
		digits = digits[:4] + digits[5:]
	}
	return digits
}

// IndividualAddress converts a phone number into a contact address.
func IndividualAddress(number string) string {
	return NormalizeNumber(number) + IndividualSuffix
}

// SplitDestinations splits a comma-separated destination list. Blank entries
// are dropped; the rest keep their order.
func SplitDestinations(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Resolve classifies raw and computes its address. Group names are matched
// exactly (case-sensitive) against a fresh chat list from sess; no result is
// cached between calls.
func Resolve(ctx context.Context, sess backend.Session, raw string) (Destination, error) {
	name, kind := Classify(raw)
	if kind == KindIndividual {
		return Destination{Raw: name, Kind: kind, Address: IndividualAddress(name)}, nil
	}

	chats, err := sess.Chats(ctx)
	if err != nil {
		return Destination{Raw: name, Kind: kind}, fmt.Errorf("listing chats: %w", err)
	}
	for _, c := range chats {
		if c.IsGroup && c.Name == name {
			return Destination{Raw: name, Kind: kind, Address: c.ID}, nil
		}
	}
	return Destination{Raw: name, Kind: kind}, fmt.Errorf("group %q: %w", name, ErrDestinationNotFound)
}
