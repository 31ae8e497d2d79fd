package tlsmaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateSelfSigned(t *testing.T) (certPEM, keyPEM string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return string(certOut), string(keyOut)
}

func TestResolver_ResolveIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	cert, key := generateSelfSigned(t)

	p1, k1, err := r.Resolve(KindProxy, "127.0.0.1:9001", cert, key)
	require.NoError(t, err)

	p2, k2, err := r.Resolve(KindProxy, "127.0.0.1:9001", cert, key)
	require.NoError(t, err)

	require.Equal(t, p1, p2)
	require.Equal(t, k1, k2)
}

func TestResolver_MismatchedPairFails(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	cert1, _ := generateSelfSigned(t)
	_, key2 := generateSelfSigned(t)

	_, _, err = r.Resolve(KindGateway, "sni.example.com", cert1, key2)
	require.Error(t, err)
}

func TestResolver_EmptyMaterialFails(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	_, _, err = r.Resolve(KindProxy, "x", "", "")
	require.Error(t, err)
}

func TestResolver_IdentityIsPathSafe(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	require.NoError(t, err)

	cert, key := generateSelfSigned(t)
	pemPath, keyPath, err := r.Resolve(KindGateway, "../../etc/passwd:443", cert, key)
	require.NoError(t, err)
	require.Contains(t, pemPath, dir)
	require.Contains(t, keyPath, dir)
}
