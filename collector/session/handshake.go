/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package session

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

const (
	IdentifierLength = 27
	ProtocolVersion  = 291

	challengeOffset     = 23
	challengeOffsetStep = 17

	initMarker0   = 115
	initMarker1   = 30
	flavorCount   = 9
	initTrailer0  = 0
	initTrailer1  = 255
	validationMin = 'A'
	validationMax = 'z'
)

var clientKey = [20]byte{
	54, 206, 204, 169, 97, 178, 74, 136, 124, 117,
	14, 210, 106, 236, 8, 208, 136, 213, 140, 111,
}

var (
	quotedBody  = `(?:'((?:\\.|[^'\\])*)'|"((?:\\.|[^"\\])*)"|` + "`" + `((?:\\.|[^` + "`" + `\\])*)` + "`)"
	secretInit  = regexp.MustCompile(`var\s+a\s*=\s*` + quotedBody)
	secretAdd   = regexp.MustCompile(`(?:\ba\s*\+=\s*|\ba\s*=\s*a\s*\+\s*)` + quotedBody)
	repeatBound = regexp.MustCompile(`for\s*\(\s*(?:var\s+)?\w+\s*=\s*0\s*;\s*\w+\s*<\s*(\d+)\s*;\s*\w+\+\+\s*\)`)
)

// DecodeChallenge recovers the script fragment hidden in a version challenge.
// Every character contributes one base-26 digit, two digits form a character
// of the fragment.
func DecodeChallenge(challenge string) string {
	var out []rune
	acc, half, offset := 0, false, challengeOffset
	for i := 0; i < len(challenge); i++ {
		b := int(challenge[i])
		if b <= 96 {
			b += 32
		}

		digit := (b - 97 - offset) % 26
		if digit < 0 {
			digit += 26
		}
		offset += challengeOffsetStep

		acc = acc*16 + digit
		if half {
			out = append(out, rune(acc))
			acc = 0
		}
		half = !half
	}

	return string(out)
}

func quotedText(groups []string) string {
	for _, g := range groups[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

// ExtractSecret pulls the assembled string literal and the loop bound out of a
// decoded challenge fragment.  A missing bound is reported as 0.
func ExtractSecret(fragment string) (string, int, bool) {
	first := secretInit.FindStringSubmatchIndex(fragment)
	if first == nil {
		return "", boundOf(fragment), false
	}

	var secret strings.Builder
	secret.WriteString(quotedText(submatches(fragment, first)))
	for _, loc := range secretAdd.FindAllStringSubmatchIndex(fragment[first[1]:], -1) {
		secret.WriteString(quotedText(submatches(fragment[first[1]:], loc)))
	}

	return unescapeLiteral(secret.String()), boundOf(fragment), true
}

var simpleEscapes = map[byte]rune{
	'n': '\n', 'r': '\r', 't': '\t', 'b': '\b', 'f': '\f', 'v': '\v', '0': 0,
}

// unescapeLiteral resolves the escape sequences of a script string literal.
// Unknown escapes yield the escaped character, malformed hex escapes are kept
// verbatim.
func unescapeLiteral(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			out.WriteByte(s[i])
			continue
		}

		c := s[i+1]
		digits := 0
		switch c {
		case 'x':
			digits = 2
		case 'u':
			digits = 4
		}

		if digits > 0 {
			if i+2+digits <= len(s) {
				if v, err := strconv.ParseUint(s[i+2:i+2+digits], 16, 32); err == nil {
					out.WriteRune(rune(v))
					i += 1 + digits
					continue
				}
			}
			out.WriteByte(s[i])
			continue
		}

		if r, ok := simpleEscapes[c]; ok {
			out.WriteRune(r)
		} else {
			out.WriteByte(c)
		}
		i++
	}

	return out.String()
}

func submatches(s string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = s[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

func boundOf(fragment string) int {
	m := repeatBound.FindStringSubmatch(fragment)
	if m == nil {
		return 0
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ValidChallenge reports whether every challenge character falls within the
// accepted range.  The range is 'A'..'z' inclusive, so the six punctuation
// characters between 'Z' and 'a' pass as well.
func ValidChallenge(challenge string) bool {
	for i := 0; i < len(challenge); i++ {
		if challenge[i] < validationMin || challenge[i] > validationMax {
			return false
		}
	}
	return true
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// NewIdentifier returns a random mixed case identifier.
func NewIdentifier(rng *rand.Rand) []byte {
	id := make([]byte, IdentifierLength)
	for i := range id {
		base := byte('A')
		if rng.IntN(2) == 1 {
			base = 'a'
		}
		id[i] = base + byte(rng.IntN(26))
	}
	return id
}

// TransformIdentifier applies the rolling letter substitution in place.  Each
// letter keeps its case.
func TransformIdentifier(id []byte) {
	seed := 0
	for i, c := range id {
		base := byte('A')
		if c >= 'a' {
			base = 'a'
		}

		v := int(c - base)
		if i == 0 {
			seed = 3 + v
		}

		id[i] = base + byte((v+seed)%26)
		seed += 2 + v
	}
}

// BuildInitFrame assembles the client init packet.
func BuildInitFrame(flavor byte, extra string) []byte {
	frame := make([]byte, 0, 8+len(clientKey)+len(extra))
	frame = append(frame, initMarker0, initMarker1, byte(ProtocolVersion>>8), byte(ProtocolVersion&0xff))
	frame = append(frame, clientKey[:]...)
	frame = append(frame, flavor, byte(len(extra)))
	frame = append(frame, extra...)
	frame = append(frame, initTrailer0, initTrailer1)
	return frame
}

// Handshake holds the two frames answering a version challenge.
type Handshake struct {
	Identifier []byte
	Init       []byte
}

// RespondToChallenge validates a version challenge and builds the reply.
func RespondToChallenge(challenge string, rng *rand.Rand) (*Handshake, error) {
	if !ValidChallenge(challenge) {
		return nil, fmt.Errorf("%w: challenge contains characters outside %c-%c", ErrHandshake, validationMin, validationMax)
	}

	// a challenge without a literal only works when nothing is copied from it
	secret, bound, _ := ExtractSecret(DecodeChallenge(challenge))
	if bound > IdentifierLength {
		bound = IdentifierLength
	}
	if len(secret) < bound {
		return nil, fmt.Errorf("%w: secret shorter than bound %d", ErrHandshake, bound)
	}

	id := NewIdentifier(rng)
	for i := 0; i < bound; i++ {
		if !isLetter(secret[i]) {
			return nil, fmt.Errorf("%w: secret contains a non-letter", ErrHandshake)
		}
		id[i] = secret[i]
	}
	TransformIdentifier(id)

	return &Handshake{
		Identifier: id,
		Init:       BuildInitFrame(byte(rng.IntN(flavorCount)), ""),
	}, nil
}

// EncodeChallenge is the inverse of DecodeChallenge for fragments made of
// single byte characters.  It is what a server does to hide the fragment.
func EncodeChallenge(fragment string) string {
	out := make([]byte, 0, 2*len(fragment))
	offset := challengeOffset
	for i := 0; i < len(fragment); i++ {
		for _, digit := range []int{int(fragment[i] >> 4), int(fragment[i] & 0x0f)} {
			out = append(out, byte(97+(digit+offset)%26))
			offset += challengeOffsetStep
		}
	}
	return string(out)
}
