package crypto

import (
	"bytes"
	"crypto/sha256"
	"strings"
)

// FingerprintWords is the number of words in a verification fingerprint.
const FingerprintWords = 6

// fingerprintWordlist maps 6-bit digest chunks to short, phonetically
// distinct words. 64 entries; chosen for easy reading over a phone call.
var fingerprintWordlist = [64]string{
	"acorn", "baker", "cabin", "delta", "eagle", "fable", "gamma", "haven",
	"igloo", "joker", "kayak", "lemon", "mango", "noble", "ocean", "piano",
	"quartz", "raven", "sugar", "tiger", "umber", "vivid", "walnut", "xenon",
	"yodel", "zebra", "amber", "bison", "cedar", "dingo", "ember", "flint",
	"gecko", "hazel", "ivory", "jumbo", "kiosk", "lunar", "medal", "nylon",
	"otter", "pearl", "quill", "rodeo", "sonar", "tulip", "ultra", "velvet",
	"wagon", "xylem", "yacht", "zephyr", "atlas", "badge", "comet", "dune",
	"echo", "forge", "grove", "husky", "inlet", "jade", "koala", "lotus",
}

// Fingerprint computes the human-comparable verification fingerprint for
// two public identifiers. It is symmetric in input order, so both parties
// compute the same word sequence and can compare it over an independent
// channel.
func Fingerprint(a, b [32]byte) string {
	lo, hi := a, b
	if bytes.Compare(hi[:], lo[:]) < 0 {
		lo, hi = hi, lo
	}

	h := sha256.New()
	h.Write([]byte("hushbox/v1/fingerprint"))
	h.Write(lo[:])
	h.Write(hi[:])
	digest := h.Sum(nil)

	words := make([]string, FingerprintWords)
	for i := range words {
		words[i] = fingerprintWordlist[digest[i]&0x3f]
	}
	return strings.Join(words, "-")
}
