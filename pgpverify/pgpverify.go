// Package pgpverify implements the Signature Verifier (C2): detached
// or inline OpenPGP signature verification against trust material
// (a single certificate or a keyring), under a WeakCrypto policy.
//
// It is grounded on auth/credentials.go's constructor-style API
// (Password/Key/KeyFromFile lazily deriving key material) generalized
// from the teacher's curve25519 application keys to OpenPGP trust
// material, and backed by github.com/ProtonMail/go-crypto/openpgp —
// found in google-oss-rebuild's dependency tree (pulled by go-git for
// commit-signature verification) and the ecosystem's maintained
// successor to golang.org/x/crypto/openpgp.
package pgpverify

import (
	"bytes"
	"crypto"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// WeakCrypto loosens the strict modern default policy (§4.2).
type WeakCrypto struct {
	AllowSHA1     bool
	MinDSAKeySize int // 0 means "use the strict default minimum"
	MinRSAKeySize int
}

const (
	strictMinRSAKeySize = 2048
	strictMinDSAKeySize = 2048
)

func (w WeakCrypto) minRSAKeySize() int {
	if w.MinRSAKeySize > 0 {
		return w.MinRSAKeySize
	}

	return strictMinRSAKeySize
}

func (w WeakCrypto) minDSAKeySize() int {
	if w.MinDSAKeySize > 0 {
		return w.MinDSAKeySize
	}

	return strictMinDSAKeySize
}

// acceptHash reports whether policy accepts hashAlgo.
func (w WeakCrypto) acceptHash(hashAlgo uint8) bool {
	const hashSHA1 = uint8(crypto.SHA1) // Go crypto.Hash value, as carried by packet.Signature.Hash

	if hashAlgo == hashSHA1 {
		return w.AllowSHA1
	}

	return true
}

// TrustMaterial is parsed trust material: either a single certificate
// or a keyring, both held as an entity list.
type TrustMaterial struct {
	entities openpgp.EntityList
}

// ParseTrustMaterial parses data first as an armored keyring, then
// (on failure) as a binary keyring; a single certificate parses as a
// keyring of one entity.
func ParseTrustMaterial(data []byte) (TrustMaterial, error) {
	if el, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data)); err == nil && len(el) > 0 {
		return TrustMaterial{entities: el}, nil
	}

	if el, err := openpgp.ReadKeyRing(bytes.NewReader(data)); err == nil && len(el) > 0 {
		return TrustMaterial{entities: el}, nil
	}

	return TrustMaterial{}, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify.parse_trust_material", pomerror.ErrNoTrustMaterial)
}

// VerifyDetached verifies signature against message using trust,
// returning message unchanged on success (§4.2 detached mode).
func VerifyDetached(message, signature []byte, trust TrustMaterial, policy WeakCrypto) ([]byte, error) {
	sigReader := bytes.NewReader(signature)
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		sigReader = bytes.NewReader(mustReadAll(block.Body))
	}

	signer, sig, err := firstValidDetachedSignature(trust.entities, bytes.NewReader(message), sigReader, policy)
	if err != nil {
		return nil, err
	}

	if signer == nil || sig == nil {
		return nil, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify.verify_detached", pomerror.ErrNoValidSignature)
	}

	return message, nil
}

// VerifyInline verifies a cleartext/inline-signed envelope and
// returns the extracted payload (§4.2 inline mode).
func VerifyInline(signed []byte, trust TrustMaterial, policy WeakCrypto) ([]byte, error) {
	block, rest := clearsign.Decode(signed)
	if block == nil {
		// Not a cleartext-signed envelope: try it as an armored
		// single-layer signed message (InRelease is usually the
		// former, but accept both shapes).
		return verifyArmoredSignedMessage(signed, trust, policy)
	}

	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, pomerror.Wrap(pomerror.KindFormat, "pgpverify.verify_inline", pomerror.ErrMalformedSignature)
	}

	signer, sig, err := firstValidSignaturePacket(trust.entities, block.Bytes, block.ArmoredSignature.Body, policy)
	if err != nil {
		return nil, err
	}

	if signer == nil || sig == nil {
		return nil, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify.verify_inline", pomerror.ErrNoValidSignature)
	}

	return block.Plaintext, nil
}

func verifyArmoredSignedMessage(signed []byte, trust TrustMaterial, _ WeakCrypto) ([]byte, error) {
	md, err := openpgp.ReadMessage(bytes.NewReader(signed), trust.entities, nil, nil)
	if err != nil {
		return nil, pomerror.Wrap(pomerror.KindFormat, "pgpverify.verify_inline", errors.Wrap(pomerror.ErrMalformedSignature, err.Error()))
	}

	if md.IsEncrypted || !md.IsSigned {
		return nil, pomerror.Wrap(pomerror.KindFormat, "pgpverify.verify_inline", pomerror.ErrMalformedSignature)
	}

	payload, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, pomerror.Wrap(pomerror.KindIO, "pgpverify.verify_inline", err)
	}

	if md.SignatureError != nil || md.SignedBy == nil {
		return nil, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify.verify_inline", pomerror.ErrNoValidSignature)
	}

	return payload, nil
}

// firstValidDetachedSignature tries every certificate in trust,
// accepting the first whose detached signature verifies under
// policy (§4.2: "accepting the first that produces a valid
// signature").
func firstValidDetachedSignature(entities openpgp.EntityList, message, signature io.Reader, policy WeakCrypto) (*openpgp.Entity, *packet.Signature, error) {
	msgBytes, err := io.ReadAll(message)
	if err != nil {
		return nil, nil, pomerror.Wrap(pomerror.KindIO, "pgpverify", err)
	}

	sigBytes, err := io.ReadAll(signature)
	if err != nil {
		return nil, nil, pomerror.Wrap(pomerror.KindIO, "pgpverify", err)
	}

	pkt, err := packet.Read(bytes.NewReader(sigBytes))
	if err != nil {
		return nil, nil, pomerror.Wrap(pomerror.KindFormat, "pgpverify", pomerror.ErrMalformedSignature)
	}

	sig, ok := pkt.(*packet.Signature)
	if !ok {
		return nil, nil, pomerror.Wrap(pomerror.KindFormat, "pgpverify", pomerror.ErrMalformedSignature)
	}

	if !policy.acceptHash(uint8(sig.Hash)) {
		return nil, nil, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify", errors.New("weak hash algorithm rejected by policy"))
	}

	for _, entity := range entities {
		if !policy.keyLargeEnough(entity) {
			continue
		}

		hashFunc := sig.Hash.New()
		if hashFunc == nil {
			continue
		}

		hashFunc.Write(msgBytes)

		key := entity.PrimaryKey
		if err := key.VerifySignature(hashFunc, sig); err == nil {
			return entity, sig, nil
		}

		for _, subkey := range entity.Subkeys {
			if subkey.PublicKey == nil {
				continue
			}

			hashFunc2 := sig.Hash.New()
			hashFunc2.Write(msgBytes)

			if err := subkey.PublicKey.VerifySignature(hashFunc2, sig); err == nil {
				return entity, sig, nil
			}
		}
	}

	return nil, nil, pomerror.Wrap(pomerror.KindIntegrity, "pgpverify", pomerror.ErrNoValidSignature)
}

// firstValidSignaturePacket does the same as
// firstValidDetachedSignature but for a cleartext-signed envelope's
// extracted ArmoredSignature body (already armor-decoded by
// clearsign.Decode), over block.Bytes as the message.
func firstValidSignaturePacket(entities openpgp.EntityList, message []byte, armoredSig io.Reader, policy WeakCrypto) (*openpgp.Entity, *packet.Signature, error) {
	sigBytes, err := io.ReadAll(armoredSig)
	if err != nil {
		return nil, nil, pomerror.Wrap(pomerror.KindIO, "pgpverify", err)
	}

	return firstValidDetachedSignature(entities, bytes.NewReader(message), bytes.NewReader(sigBytes), policy)
}

// keyLargeEnough applies the WeakCrypto minimum key size switches to
// entity's primary key (§4.2).
func (w WeakCrypto) keyLargeEnough(entity *openpgp.Entity) bool {
	if entity == nil || entity.PrimaryKey == nil {
		return false
	}

	bitLength, err := entity.PrimaryKey.BitLength()
	if err != nil {
		return true // algorithm without a meaningful bit length (e.g. Ed25519): accept.
	}

	switch entity.PrimaryKey.PubKeyAlgo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly:
		return int(bitLength) >= w.minRSAKeySize()
	case packet.PubKeyAlgoDSA:
		return int(bitLength) >= w.minDSAKeySize()
	default:
		return true
	}
}

func mustReadAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}
