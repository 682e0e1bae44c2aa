package primitives

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	kp, err := GenerateX25519()
	require.NoError(t, err)
	other, err := GenerateX25519()
	require.NoError(t, err)

	secret, err := ECDHDeriveSharedSecret(kp.Private, other.Public)
	require.NoError(t, err)
	key, err := DeriveAEADKey(secret)
	require.NoError(t, err)

	plaintext := []byte("title-protocol provenance payload")
	nonce, ciphertext, err := AEADSeal(key, plaintext, nil)
	require.NoError(t, err)

	opened, err := AEADOpen(key, nonce, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	t.Run("bit flip in ciphertext fails", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0x01
		_, err := AEADOpen(key, nonce, tampered, nil)
		require.Error(t, err)
	})

	t.Run("bit flip in nonce fails", func(t *testing.T) {
		tamperedNonce := append([]byte(nil), nonce...)
		tamperedNonce[0] ^= 0x01
		_, err := AEADOpen(key, tamperedNonce, ciphertext, nil)
		require.Error(t, err)
	})
}

func TestECDHIsSymmetric(t *testing.T) {
	alice, err := GenerateX25519()
	require.NoError(t, err)
	bob, err := GenerateX25519()
	require.NoError(t, err)

	s1, err := ECDHDeriveSharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	s2, err := ECDHDeriveSharedSecret(bob.Private, alice.Public)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("attest this")
	sig := Sign(kp.Private, msg)
	require.True(t, Verify(kp.Public, msg, sig))

	other, err := GenerateEd25519()
	require.NoError(t, err)
	require.False(t, Verify(other.Public, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0x01
	require.False(t, Verify(kp.Public, tampered, sig))
}

func TestHashAlgorithms(t *testing.T) {
	data := []byte("hash me")

	cases := []struct {
		alg        HashAlg
		wantLength int
	}{
		{HashSHA256, 32},
		{HashSHA384, 48},
		{HashSHA512, 64},
	}
	for _, tc := range cases {
		digest, ok := Hash(tc.alg, data)
		require.True(t, ok)
		require.Len(t, digest, tc.wantLength)
	}

	_, ok := Hash(HashAlg(99), data)
	require.False(t, ok)
}

func TestHMACNilKeyFallsBackSafely(t *testing.T) {
	mac, ok := HMAC(HashSHA256, nil, []byte("data"))
	require.True(t, ok)
	require.Len(t, mac, 32)
}

func TestRenderAndParseContentId(t *testing.T) {
	var id [32]byte
	for i := range id {
		id[i] = byte(i)
	}
	rendered := RenderContentId(id)
	require.Len(t, rendered, 66)
	require.Equal(t, "0x", rendered[:2])

	parsed, err := ParseContentId(rendered)
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseRFC3339ToEpoch(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int64
	}{
		{"zulu no fraction", "2024-01-01T00:00:00Z", 1704067200},
		{"zulu with fraction", "2024-01-01T00:00:00.500Z", 1704067200},
		{"zero offset form", "2024-01-01T00:00:00+00:00", 1704067200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRFC3339ToEpoch(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("non-utc offset rejected", func(t *testing.T) {
		_, err := ParseRFC3339ToEpoch("2024-01-01T00:00:00+09:00")
		require.Error(t, err)
	})
}

func TestBase58AndBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0xff, 0xfe}

	b58 := Base58Encode(data)
	decoded58, err := Base58Decode(b58)
	require.NoError(t, err)
	require.Equal(t, data, decoded58)

	b64 := Base64Encode(data)
	decoded64, err := Base64Decode(b64)
	require.NoError(t, err)
	require.Equal(t, data, decoded64)
}
