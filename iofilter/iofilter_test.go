package iofilter

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateTestTLSConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "conduit-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "conduit-test"}
	return clientCfg, serverCfg
}

func TestPlainFilterRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cf := NewPlain(client)
	sf := NewPlain(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		_, err := io.ReadFull(sf.Conn(), buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf))
	}()

	_, err := cf.Conn().Write([]byte("hello"))
	require.NoError(t, err)
	<-done
}

func TestTLSFilterHandshakeAndRoundTrip(t *testing.T) {
	clientCfg, serverCfg := generateTestTLSConfig(t)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	var sf Filter
	go func() {
		var err error
		sf, err = NewTLSServer(ctx, server, serverCfg)
		serverDone <- err
	}()

	cf, err := NewTLSClient(ctx, client, clientCfg)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 5)
		_, err := io.ReadFull(sf.Conn(), buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf))
	}()

	_, err = cf.Conn().Write([]byte("hello"))
	require.NoError(t, err)
	<-readDone
}
