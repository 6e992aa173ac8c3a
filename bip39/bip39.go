// Package bip39 is the mnemonic/seed round-trip utility named in spec §8
// ("a small utility included in the core trust surface"). Kernel.Init uses
// it to mint the local peer's long-term identity mnemonic on first launch;
// later launches read the stored mnemonic from the kernel KV area without
// going through this package (SPEC_FULL.md §3).
package bip39

import (
	"github.com/pkg/errors"
	tylerbip39 "github.com/tyler-smith/go-bip39"
)

// WordCount enumerates the supported mnemonic lengths (spec §8: "12/24-word
// mnemonics").
type WordCount int

const (
	Words12 WordCount = 12
	Words24 WordCount = 24
)

func (w WordCount) entropyBits() int {
	switch w {
	case Words12:
		return 128
	case Words24:
		return 256
	default:
		return 0
	}
}

// ErrUnsupportedWordCount is returned by MnemonicOf for any word count other
// than 12 or 24.
var ErrUnsupportedWordCount = errors.New("bip39: word count must be 12 or 24")

// MnemonicOf derives a mnemonic phrase deterministically from seed. seed
// must be exactly entropyBits(words)/8 bytes long — the caller (typically
// Kernel.init, reading or minting a fixed-length identity seed) owns
// entropy generation; MnemonicOf only encodes it.
func MnemonicOf(seed []byte, words WordCount) (string, error) {
	bits := words.entropyBits()
	if bits == 0 {
		return "", ErrUnsupportedWordCount
	}
	if len(seed)*8 != bits {
		return "", errors.Errorf("bip39: seed must be %d bytes for a %d-word mnemonic, got %d", bits/8, words, len(seed))
	}
	mnemonic, err := tylerbip39.NewMnemonic(seed)
	if err != nil {
		return "", errors.Wrap(err, "bip39: encode mnemonic")
	}
	return mnemonic, nil
}

// Validate reports whether mnemonic is well-formed: every word is in the
// wordlist, the word count is 12 or 24, and the trailing checksum bits
// match the encoded entropy (spec §8: "invalid mnemonics fail with a
// specific error").
func Validate(mnemonic string) error {
	if !tylerbip39.IsMnemonicValid(mnemonic) {
		return errors.New("bip39: invalid mnemonic")
	}
	return nil
}

// SeedOf recovers the original entropy bytes MnemonicOf encoded. Unlike
// tyler-smith/go-bip39's NewSeed (which stretches a mnemonic plus a
// passphrase into a 64-byte BIP32 seed via PBKDF2, intentionally lossy),
// SeedOf inverts MnemonicOf exactly so seedOf(mnemonicOf(seed)) == seed
// holds (spec §8 property).
func SeedOf(mnemonic string) ([]byte, error) {
	if err := Validate(mnemonic); err != nil {
		return nil, err
	}
	entropy, err := tylerbip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, errors.Wrap(err, "bip39: recover entropy")
	}
	return entropy, nil
}
