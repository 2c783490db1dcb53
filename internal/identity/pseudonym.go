// Package identity derives stable display pseudonyms from writer secrets.
// Derivation is a pure function: the same secret and salt always produce the
// same pseudonym, and the secret cannot be recovered from it.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var adjectives = []string{
	"amber", "bold", "brisk", "calm", "candid", "clear", "deft", "dusky",
	"eager", "fabled", "gentle", "hidden", "keen", "limber", "lucid", "mellow",
	"nimble", "oblique", "patient", "quiet", "rapid", "sage", "tidal", "umber",
	"vivid", "wandering", "wry", "young", "zesty", "ardent", "breezy", "cobalt",
}

var nouns = []string{
	"heron", "otter", "maple", "comet", "harbor", "lantern", "meadow", "pine",
	"raven", "sparrow", "thicket", "willow", "badger", "cedar", "dune", "ember",
	"fjord", "glacier", "hollow", "islet", "juniper", "kestrel", "lagoon", "marsh",
	"nettle", "orchid", "prairie", "quarry", "reed", "summit", "tundra", "vale",
}

// Pseudonym derives the display name for a writer secret, e.g.
// "quiet-heron-12". Changing the salt renames every author.
func Pseudonym(secret, salt string) string {
	reader := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte("commonplace-pseudonym-v1"))
	var buf [6]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		// hkdf.Read cannot fail for these lengths; keep a deterministic
		// fallback anyway.
		sum := sha256.Sum256([]byte(salt + ":" + secret))
		copy(buf[:], sum[:6])
	}
	adjective := adjectives[int(buf[0])%len(adjectives)]
	noun := nouns[int(buf[1])%len(nouns)]
	number := binary.BigEndian.Uint16(buf[2:4]) % 100
	return fmt.Sprintf("%s-%s-%d", adjective, noun, number)
}
