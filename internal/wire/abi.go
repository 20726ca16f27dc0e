package wire

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// WordSize is the width of one ABI word.
const WordSize = 32

// Word encodes a uint64 as a big-endian ABI word.
func Word(v uint64) [WordSize]byte {
	var w [WordSize]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

// WordAddress left-pads an address into an ABI word.
func WordAddress(a common.Address) [WordSize]byte {
	var w [WordSize]byte
	copy(w[12:], a[:])
	return w
}

// WordHash reinterprets a 32-byte hash as an ABI word.
func WordHash(h common.Hash) [WordSize]byte {
	return [WordSize]byte(h)
}

// WordBig encodes a signed integer as a two's-complement int256 word.
// Values outside [-2^255, 2^255) are truncated to the low 256 bits, matching
// EVM semantics.
func WordBig(v *big.Int) [WordSize]byte {
	var w [WordSize]byte
	if v == nil {
		return w
	}
	enc := new(big.Int).Set(v)
	if enc.Sign() < 0 {
		enc.Add(enc, maxWord) // two's complement: v + 2^256
	}
	enc.FillBytes(w[:])
	return w
}

// BigWord decodes a two's-complement int256 word into a signed big.Int.
func BigWord(w [WordSize]byte) *big.Int {
	v := new(big.Int).SetBytes(w[:])
	if w[0]&0x80 != 0 {
		v.Sub(v, maxWord)
	}
	return v
}

// Uint64Word reads the low 8 bytes of a word as a uint64.
func Uint64Word(w [WordSize]byte) uint64 {
	return binary.BigEndian.Uint64(w[24:])
}

// AddressWord reads the low 20 bytes of a word as an address.
func AddressWord(w [WordSize]byte) common.Address {
	var a common.Address
	copy(a[:], w[12:])
	return a
}

var maxWord = new(big.Int).Lsh(big.NewInt(1), 256)

// PackWords concatenates ABI words into flat event data.
func PackWords(words ...[WordSize]byte) []byte {
	out := make([]byte, 0, len(words)*WordSize)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// PackCall builds a static call payload: 4-byte selector followed by words.
// Construction never fails; argument validity is the caller's concern.
func PackCall(selector [4]byte, words ...[WordSize]byte) []byte {
	out := make([]byte, 0, 4+len(words)*WordSize)
	out = append(out, selector[:]...)
	for _, w := range words {
		out = append(out, w[:]...)
	}
	return out
}

// PackCallBytes builds a call payload whose final argument is a dynamic
// `bytes` value: head words, then the offset/length prelude, then the
// right-padded tail. Only the single-dynamic-argument shape the engine
// needs (process(uint256,bytes)) is supported.
func PackCallBytes(selector [4]byte, head [][WordSize]byte, tail []byte) []byte {
	// Offset points past the head block (including the offset word itself).
	offset := uint64((len(head) + 1) * WordSize)
	out := make([]byte, 0, 4+(len(head)+2)*WordSize+padded(len(tail)))
	out = append(out, selector[:]...)
	for _, w := range head {
		out = append(out, w[:]...)
	}
	offWord := Word(offset)
	out = append(out, offWord[:]...)
	lenWord := Word(uint64(len(tail)))
	out = append(out, lenWord[:]...)
	out = append(out, tail...)
	for i := len(tail); i < padded(len(tail)); i++ {
		out = append(out, 0)
	}
	return out
}

// UnpackCallBytes is the inverse of PackCallBytes: it splits a call payload
// with n head words and one trailing dynamic `bytes` argument back into its
// selector, head words, and tail. The offset and length prelude is validated
// against the payload length.
func UnpackCallBytes(payload []byte, n int) (sel [4]byte, head [][WordSize]byte, tail []byte, err error) {
	if len(payload) < 4+(n+2)*WordSize {
		return sel, nil, nil, fmt.Errorf("call payload too short: %d bytes for %d head words", len(payload), n)
	}
	copy(sel[:], payload[:4])
	body := payload[4:]
	head = make([][WordSize]byte, n)
	for i := range head {
		copy(head[i][:], body[i*WordSize:])
	}
	var offWord, lenWord [WordSize]byte
	copy(offWord[:], body[n*WordSize:])
	copy(lenWord[:], body[(n+1)*WordSize:])
	if off := Uint64Word(offWord); off != uint64((n+1)*WordSize) {
		return sel, nil, nil, fmt.Errorf("unexpected bytes offset %d in call payload", off)
	}
	length := Uint64Word(lenWord)
	start := (n + 2) * WordSize
	if uint64(len(body)) < uint64(start)+length {
		return sel, nil, nil, fmt.Errorf("call payload bytes argument truncated: want %d, have %d", length, len(body)-start)
	}
	tail = make([]byte, length)
	copy(tail, body[start:])
	return sel, head, tail, nil
}

// SplitWords slices flat event data into ABI words. Data whose length is not
// a multiple of the word size is malformed.
func SplitWords(data []byte) ([][WordSize]byte, error) {
	if len(data)%WordSize != 0 {
		return nil, fmt.Errorf("event data length %d is not word-aligned", len(data))
	}
	words := make([][WordSize]byte, len(data)/WordSize)
	for i := range words {
		copy(words[i][:], data[i*WordSize:])
	}
	return words, nil
}

// SplitWordsExact is SplitWords with an arity check, for fixed-layout
// command payloads.
func SplitWordsExact(data []byte, n int) ([][WordSize]byte, error) {
	words, err := SplitWords(data)
	if err != nil {
		return nil, err
	}
	if len(words) != n {
		return nil, fmt.Errorf("expected %d event data words, got %d", n, len(words))
	}
	return words, nil
}

func padded(n int) int {
	return (n + WordSize - 1) / WordSize * WordSize
}
