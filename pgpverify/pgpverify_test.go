package pgpverify_test

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pgpverify"
	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

func generateEntity(t *testing.T) *openpgp.Entity {
	t.Helper()

	entity, err := openpgp.NewEntity("Test Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	return entity
}

func armoredPublicKey(t *testing.T, entity *openpgp.Entity) []byte {
	t.Helper()

	var buf bytes.Buffer

	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestVerifyDetachedAcceptsValidSignature(t *testing.T) {
	entity := generateEntity(t)
	trust, err := pgpverify.ParseTrustMaterial(armoredPublicKey(t, entity))
	require.NoError(t, err)

	message := []byte("Origin: test\nLabel: test\n")

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, entity, bytes.NewReader(message), nil))

	out, err := pgpverify.VerifyDetached(message, sigBuf.Bytes(), trust, pgpverify.WeakCrypto{})
	require.NoError(t, err)
	require.Equal(t, message, out)
}

func TestVerifyDetachedRejectsTamperedMessage(t *testing.T) {
	entity := generateEntity(t)
	trust, err := pgpverify.ParseTrustMaterial(armoredPublicKey(t, entity))
	require.NoError(t, err)

	message := []byte("Origin: test\n")

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, entity, bytes.NewReader(message), nil))

	_, err = pgpverify.VerifyDetached([]byte("Origin: tampered\n"), sigBuf.Bytes(), trust, pgpverify.WeakCrypto{})
	require.ErrorIs(t, err, pomerror.ErrNoValidSignature)
}

func TestVerifyDetachedRejectsUntrustedSigner(t *testing.T) {
	signer := generateEntity(t)
	other := generateEntity(t)

	trust, err := pgpverify.ParseTrustMaterial(armoredPublicKey(t, other))
	require.NoError(t, err)

	message := []byte("payload")

	var sigBuf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sigBuf, signer, bytes.NewReader(message), nil))

	_, err = pgpverify.VerifyDetached(message, sigBuf.Bytes(), trust, pgpverify.WeakCrypto{})
	require.ErrorIs(t, err, pomerror.ErrNoValidSignature)
}

func TestVerifyInlineExtractsClearsignedPayload(t *testing.T) {
	entity := generateEntity(t)
	trust, err := pgpverify.ParseTrustMaterial(armoredPublicKey(t, entity))
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("Origin: test\nLabel: test\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	payload, err := pgpverify.VerifyInline(buf.Bytes(), trust, pgpverify.WeakCrypto{})
	require.NoError(t, err)
	require.Contains(t, string(payload), "Origin: test")
}

func TestParseTrustMaterialRejectsGarbage(t *testing.T) {
	_, err := pgpverify.ParseTrustMaterial([]byte("not a key"))
	require.ErrorIs(t, err, pomerror.ErrNoTrustMaterial)
}
