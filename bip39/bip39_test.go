package bip39_test

import (
	"crypto/rand"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ocapkernel/kernel/bip39"
)

func TestBip39(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "bip39 suite")
}

func randomSeed(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("mnemonic/seed round trip", func() {
	DescribeTable("seedOf(mnemonicOf(seed)) == seed",
		func(words bip39.WordCount, seedLen int) {
			seed := randomSeed(seedLen)
			mnemonic, err := bip39.MnemonicOf(seed, words)
			Expect(err).NotTo(HaveOccurred())
			Expect(bip39.Validate(mnemonic)).To(Succeed())

			got, err := bip39.SeedOf(mnemonic)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(seed))
		},
		Entry("12-word mnemonic", bip39.Words12, 16),
		Entry("24-word mnemonic", bip39.Words24, 32),
	)

	It("rejects a seed of the wrong length for the requested word count", func() {
		_, err := bip39.MnemonicOf(randomSeed(15), bip39.Words12)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unsupported word count", func() {
		_, err := bip39.MnemonicOf(randomSeed(20), bip39.WordCount(18))
		Expect(err).To(MatchError(bip39.ErrUnsupportedWordCount))
	})

	It("fails validation on a mnemonic with a word outside the wordlist", func() {
		bogus := "xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy xyzzy"
		Expect(bip39.Validate(bogus)).To(HaveOccurred())
	})

	It("fails validation on a mnemonic with a corrupted checksum", func() {
		seed := randomSeed(16)
		mnemonic, err := bip39.MnemonicOf(seed, bip39.Words12)
		Expect(err).NotTo(HaveOccurred())

		// Swapping the last two words changes the trailing checksum bits
		// almost always, without needing to know any specific wordlist
		// entry.
		words := strings.Fields(mnemonic)
		n := len(words)
		words[n-1], words[n-2] = words[n-2], words[n-1]
		corrupted := strings.Join(words, " ")
		if corrupted == mnemonic {
			Skip("swap produced an identical phrase, checksum corruption not exercised")
		}
		Expect(bip39.Validate(corrupted)).To(HaveOccurred())
	})
})
