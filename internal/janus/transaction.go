package janus

import "crypto/rand"

const (
	transactionIDLength   = 12
	transactionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// Largest multiple of len(alphabet) that fits in a byte; bytes at or above
	// it are rejected so every letter is equally likely.
	transactionIDRejectAbove = 256 - 256%len(transactionIDAlphabet)
)

// NewTransactionID returns a random 12-letter transaction token.
func NewTransactionID() string {
	out := make([]byte, 0, transactionIDLength)
	var buf [2 * transactionIDLength]byte
	for len(out) < transactionIDLength {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand.Read does not fail on supported platforms.
			panic(err)
		}
		for _, b := range buf {
			if int(b) >= transactionIDRejectAbove {
				continue
			}
			out = append(out, transactionIDAlphabet[int(b)%len(transactionIDAlphabet)])
			if len(out) == transactionIDLength {
				break
			}
		}
	}
	return string(out)
}
