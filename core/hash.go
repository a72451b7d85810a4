package core

// hash.go implements the content-addressed 39-byte hash format: a 3-byte
// type prefix, a 32-byte blake2b-256 body, and a 4-byte little-endian
// location that is the XOR-fold of the body.

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashType is the 3-byte prefix distinguishing what a Hash addresses.
type HashType [3]byte

var (
	HashTypeAgent  = HashType{0x84, 0x20, 0x24}
	HashTypeAction = HashType{0x84, 0x29, 0x24}
	HashTypeEntry  = HashType{0x84, 0x21, 0x24}
	HashTypeDNA    = HashType{0x84, 0x2d, 0x24}
	HashTypeNetID  = HashType{0x84, 0x22, 0x24}
	HashTypeExtern = HashType{0x84, 0x23, 0x24}
)

// anyDHTTypes enumerates the hash kinds that may legally decode into an
// "any-DHT" hash: an action or an entry. Decoding any other prefix into this
// sum type must fail.
var anyDHTTypes = map[HashType]bool{
	HashTypeAction: true,
	HashTypeEntry:  true,
}

// HashSize is the total wire size of a Hash: 3 prefix + 32 body + 4 location.
const HashSize = 3 + 32 + 4

// Hash is a content-addressed, type-tagged 39-byte identifier.
type Hash struct {
	Type     HashType
	Body     [32]byte
	Location uint32
}

// NewHash computes a Hash of the given type over data: body = blake2b-256(data),
// location = XOR-fold of the body's four 4-byte words.
func NewHash(t HashType, data []byte) Hash {
	body := blake2b.Sum256(data)
	return Hash{Type: t, Body: body, Location: foldLocation(body)}
}

// foldLocation XORs the 32-byte body's four 4-byte little-endian words
// together into the 32-bit ring coordinate used as DHT basis.
func foldLocation(body [32]byte) uint32 {
	var loc uint32
	for i := 0; i < 32; i += 4 {
		loc ^= binary.LittleEndian.Uint32(body[i : i+4])
	}
	return loc
}

// Bytes serializes the hash to its 39-byte wire form.
func (h Hash) Bytes() []byte {
	out := make([]byte, 0, HashSize)
	out = append(out, h.Type[:]...)
	out = append(out, h.Body[:]...)
	loc := make([]byte, 4)
	binary.LittleEndian.PutUint32(loc, h.Location)
	return append(out, loc...)
}

// DecodeHash parses the 39-byte wire form back into a Hash.
func DecodeHash(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash: want %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h.Type[:], b[0:3])
	copy(h.Body[:], b[3:35])
	h.Location = binary.LittleEndian.Uint32(b[35:39])
	return h, nil
}

// DecodeAnyDHTHash parses b and additionally rejects any hash whose type is
// not a member of the any-DHT sum (Action or Entry). A prefix that passes
// this check but matches no known HashType anywhere else in the codebase is
// a protocol-impossible state and is not this function's
// concern: callers that reach that branch should panic tightly, not here.
func DecodeAnyDHTHash(b []byte) (Hash, error) {
	h, err := DecodeHash(b)
	if err != nil {
		return Hash{}, err
	}
	if !anyDHTTypes[h.Type] {
		return Hash{}, fmt.Errorf("hash: type %x is not a valid any-DHT member", h.Type)
	}
	return h, nil
}

// Short renders the first and last two bytes of the body as hex, for
// truncated-hash logging.
func (h Hash) Short() string {
	s := hex.EncodeToString(h.Body[:])
	if len(s) <= 8 {
		return s
	}
	return s[:4] + ".." + s[len(s)-4:]
}

func (h Hash) String() string { return hex.EncodeToString(h.Bytes()) }

// Equal compares two hashes including their type tag.
func (h Hash) Equal(o Hash) bool {
	return h.Type == o.Type && h.Body == o.Body
}

//---------------------------------------------------------------------
// Agent identity & detached signatures.
//---------------------------------------------------------------------

// AgentPubKey is an agent's public signing key. It is also, via NewHash,
// the body of the agent's identity Hash.
type AgentPubKey [ed25519.PublicKeySize]byte

// AgentHash returns the Hash identifying this agent.
func (k AgentPubKey) AgentHash() Hash {
	return Hash{Type: HashTypeAgent, Body: [32]byte(k), Location: foldLocation([32]byte(k))}
}

// Signature is a detached 64-byte ed25519 signature over a canonically
// serialized body. ed25519 is used directly from the standard library: it
// is the exact primitive the wire format calls for and no third-party
// signer offers anything better suited here.
type Signature [ed25519.SignatureSize]byte

// KeyPair is a minimal in-process signer, standing in for the external
// keystore boundary: sign/verify only, no passphrase
// or persistent secret handling.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a new ed25519 key pair for a cell's agent
// identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, Wrap(KindKeystoreGen, "generate agent keypair", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// KindKeystoreGen tags key-generation failures as fatal: a cell cannot
// start without an identity.
const KindKeystoreGen = KindFatal

// AgentPubKeyOf returns the fixed-size public key form used as a Hash body.
func (kp *KeyPair) AgentPubKeyOf() AgentPubKey {
	var a AgentPubKey
	copy(a[:], kp.Public)
	return a
}

// Sign produces a detached signature over body's canonical bytes.
func (kp *KeyPair) Sign(body []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(kp.private, body))
	return sig
}

// Verify checks sig against body under the given public key.
func Verify(pub AgentPubKey, body []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), body, sig[:])
}

// SignedEnvelope is the detached-signature wrapper:
// { signature, body }. Body is pre-serialized canonical bytes; Envelope does
// not itself perform serialization so callers control the canonical form.
type SignedEnvelope struct {
	Signature Signature
	Body      []byte
}

// NewSignedEnvelope signs body with kp and wraps it.
func NewSignedEnvelope(kp *KeyPair, body []byte) SignedEnvelope {
	return SignedEnvelope{Signature: kp.Sign(body), Body: body}
}

// VerifyEnvelope checks the envelope's signature against pub.
func (e SignedEnvelope) VerifyEnvelope(pub AgentPubKey) bool {
	return Verify(pub, e.Body, e.Signature)
}
