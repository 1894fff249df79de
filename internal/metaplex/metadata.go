// Package metaplex reads Metaplex Token Metadata accounts and the off-chain
// JSON documents they point to.
package metaplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/incrypto/nftmarket/internal/solana"
)

// ProgramID is the Metaplex Token Metadata program.
var ProgramID = solana.MustPublicKey("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

// KeyMetadataV1 is the account discriminator for Metadata accounts.
const KeyMetadataV1 = 4

// Field limits enforced by the program.
const (
	MaxNameLength   = 32
	MaxSymbolLength = 10
	MaxURILength    = 200
	maxCreators     = 5
)

var (
	// ErrNotMetadata is returned when the account key is not MetadataV1.
	ErrNotMetadata = errors.New("not a metadata account")

	// ErrTruncated is returned when account data ends inside a required field.
	ErrTruncated = errors.New("metadata account truncated")
)

// Creator is a verified or unverified creator share.
type Creator struct {
	Address  solana.PublicKey
	Verified bool
	Share    uint8
}

// Collection links an NFT to its collection mint.
type Collection struct {
	Verified bool
	Key      solana.PublicKey
}

// Metadata is the decoded on-chain Metadata account.
type Metadata struct {
	UpdateAuthority      solana.PublicKey
	Mint                 solana.PublicKey
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	Creators             []Creator
	PrimarySaleHappened  bool
	IsMutable            bool
	EditionNonce         *uint8
	TokenStandard        *uint8
	Collection           *Collection
}

// MetadataAddress derives the metadata PDA for mint.
func MetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{
		[]byte("metadata"),
		ProgramID[:],
		mint[:],
	}, ProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive metadata address: %w", err)
	}
	return addr, nil
}

// DecodeMetadata parses a Metadata account.
// Fields after is_mutable were added in later program versions; when the
// account ends before them they are left nil.
func DecodeMetadata(data []byte) (*Metadata, error) {
	r := &reader{buf: data}

	key, err := r.u8()
	if err != nil {
		return nil, err
	}
	if key != KeyMetadataV1 {
		return nil, fmt.Errorf("%w: key %d", ErrNotMetadata, key)
	}

	m := &Metadata{}
	if m.UpdateAuthority, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.Mint, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.Name, err = r.str(MaxNameLength); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if m.Symbol, err = r.str(MaxSymbolLength); err != nil {
		return nil, fmt.Errorf("symbol: %w", err)
	}
	if m.URI, err = r.str(MaxURILength); err != nil {
		return nil, fmt.Errorf("uri: %w", err)
	}
	if m.SellerFeeBasisPoints, err = r.u16(); err != nil {
		return nil, err
	}

	hasCreators, err := r.option()
	if err != nil {
		return nil, err
	}
	if hasCreators {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > maxCreators {
			return nil, fmt.Errorf("creators: count %d exceeds %d", n, maxCreators)
		}
		m.Creators = make([]Creator, 0, n)
		for i := uint32(0); i < n; i++ {
			var c Creator
			if c.Address, err = r.pubkey(); err != nil {
				return nil, err
			}
			if c.Verified, err = r.boolean(); err != nil {
				return nil, err
			}
			if c.Share, err = r.u8(); err != nil {
				return nil, err
			}
			m.Creators = append(m.Creators, c)
		}
	}

	if m.PrimarySaleHappened, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.IsMutable, err = r.boolean(); err != nil {
		return nil, err
	}

	if r.remaining() == 0 {
		return m, nil
	}
	if m.EditionNonce, err = r.optionalU8(); err != nil {
		return nil, err
	}
	if r.remaining() == 0 {
		return m, nil
	}
	if m.TokenStandard, err = r.optionalU8(); err != nil {
		return nil, err
	}
	if r.remaining() == 0 {
		return m, nil
	}

	hasCollection, err := r.option()
	if err != nil {
		return nil, err
	}
	if hasCollection {
		c := &Collection{}
		if c.Verified, err = r.boolean(); err != nil {
			return nil, err
		}
		if c.Key, err = r.pubkey(); err != nil {
			return nil, err
		}
		m.Collection = c
	}

	return m, nil
}

// CollectionKey returns the collection mint as a string, or "" when unset.
func (m *Metadata) CollectionKey() string {
	if m == nil || m.Collection == nil {
		return ""
	}
	return m.Collection.Key.String()
}

// reader decodes borsh primitives.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w at offset %d", ErrTruncated, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) option() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("invalid option tag %d at offset %d", v, r.off-1)
	}
	return v == 1, nil
}

func (r *reader) optionalU8() (*uint8, error) {
	some, err := r.option()
	if err != nil || !some {
		return nil, err
	}
	v, err := r.u8()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) pubkey() (solana.PublicKey, error) {
	b, err := r.take(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b)
}

// str reads a u32-prefixed string and strips the NUL padding the program
// writes to fixed-width fields.
func (r *reader) str(max int) (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	// Stored strings are padded to the max length; anything far larger is corrupt.
	if int(n) > max*4 {
		return "", fmt.Errorf("length %d exceeds limit", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

// Encode serializes m in the Metadata account layout. Strings are written
// as-is without padding.
func (m *Metadata) Encode() []byte {
	var w writer
	w.u8(KeyMetadataV1)
	w.bytes(m.UpdateAuthority[:])
	w.bytes(m.Mint[:])
	w.str(m.Name)
	w.str(m.Symbol)
	w.str(m.URI)
	w.u16(m.SellerFeeBasisPoints)
	if m.Creators == nil {
		w.u8(0)
	} else {
		w.u8(1)
		w.u32(uint32(len(m.Creators)))
		for _, c := range m.Creators {
			w.bytes(c.Address[:])
			w.boolean(c.Verified)
			w.u8(c.Share)
		}
	}
	w.boolean(m.PrimarySaleHappened)
	w.boolean(m.IsMutable)
	w.optionalU8(m.EditionNonce)
	w.optionalU8(m.TokenStandard)
	if m.Collection == nil {
		w.u8(0)
	} else {
		w.u8(1)
		w.boolean(m.Collection.Verified)
		w.bytes(m.Collection.Key[:])
	}
	return w.buf
}

type writer struct {
	buf []byte
}

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }
func (w *writer) u8(v uint8)     { w.buf = append(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

func (w *writer) optionalU8(v *uint8) {
	if v == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.u8(*v)
}
