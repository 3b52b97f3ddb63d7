// Package ca implements the broker's self-hosted certificate authority: a
// single RSA root used to issue and verify every certificate in the mTLS
// trust fabric (client certs, and the internal certs Store/Ingress/Worker
// present to each other).
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Key sizes mandated for the root and for leaf certificates respectively.
const (
	caKeyBits   = 4096
	leafKeyBits = 2048

	caValidity = 10 * 365 * 24 * time.Hour

	// crlFreshness bounds how stale a cached CRL may be handed out; the
	// revocation check itself always consults the in-memory set directly,
	// this only governs CachedCRL's rebuild cadence.
	crlFreshness = 60 * time.Second
)

// Kind identifies the role a certificate is issued for. It is passed to
// leafValidity, which currently gives both kinds the same 90-day validity;
// signCSR gives every certificate it signs the ClientAuth EKU whatever the
// kind.
type Kind int

const (
	// KindClient identifies an end-user message-submitting client.
	KindClient Kind = iota
	// KindComponent identifies an internal broker component (store, ingress, worker).
	KindComponent
)

// CA owns the root keypair, the revoked-serial set, and the CRL cache.
// Certificate issuance is serialized by mu so serial numbers and the CRL
// cache can never observe a torn update from two concurrent issuances.
type CA struct {
	certPath string
	keyPath  string
	cert     *x509.Certificate
	key      *rsa.PrivateKey

	mu sync.Mutex // serializes issuance and revocation

	crlMu      sync.RWMutex
	revoked    map[string]time.Time // serial hex -> revoked at
	crlDER     []byte
	crlBuiltAt time.Time

	fpMu         sync.RWMutex
	fingerprints map[string]string // serial hex -> sha256(cert DER) hex, client certs only
}

// IssuedCert describes a newly minted certificate.
type IssuedCert struct {
	CertPEM           []byte
	Serial            string
	ExpiresAt         time.Time
	FingerprintSHA256 string
}

// VerifyResult is the outcome of checking a peer certificate against this CA.
type VerifyResult struct {
	Valid      bool
	Reason     string
	CommonName string
	Serial     string
	ExpiresAt  time.Time
}

// Initialize loads an existing CA from dir, or generates a fresh one if
// ca-cert.pem / ca-key.pem aren't present. If both files exist but cannot
// be read or parsed, Initialize returns an error. The directory is created if
// needed. The revoked-serial set starts empty; callers that persist
// revocations externally (internal/store) must call LoadRevoked after
// Initialize to restore it from durable storage.
func Initialize(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	certPath := filepath.Join(dir, "ca-cert.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	if fileExists(certPath) && fileExists(keyPath) {
		ca, err := loadCA(certPath, keyPath)
		if err != nil {
			// Existing files are unreadable — fail rather than replace the CA.
			return nil, fmt.Errorf("load existing ca: %w", err)
		}
		return ca, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate ca serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "broker root CA"},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(caValidity),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0644); err != nil {
		return nil, err
	}
	if err := writeRSAKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	return &CA{
		certPath:     certPath,
		keyPath:      keyPath,
		cert:         cert,
		key:          key,
		revoked:      make(map[string]time.Time),
		fingerprints: make(map[string]string),
	}, nil
}

// LoadRevoked seeds the in-memory revocation set from durable storage.
// Called once at startup after Initialize.
func (ca *CA) LoadRevoked(serials map[string]time.Time) {
	ca.crlMu.Lock()
	defer ca.crlMu.Unlock()
	ca.revoked = make(map[string]time.Time, len(serials))
	for serial, at := range serials {
		ca.revoked[serial] = at
	}
	ca.crlDER = nil
}

// LoadFingerprints seeds the in-memory client-certificate fingerprint
// registry from durable storage. A process that issues a client
// certificate itself (signCSR) already has the entry; this is for a
// process (Ingress) verifying certificates someone else issued, so it
// must periodically refresh from the Store's registry — the same
// freshness contract LoadRevoked satisfies for revocations.
func (ca *CA) LoadFingerprints(fingerprints map[string]string) {
	ca.fpMu.Lock()
	defer ca.fpMu.Unlock()
	ca.fingerprints = make(map[string]string, len(fingerprints))
	for serial, fp := range fingerprints {
		ca.fingerprints[serial] = fp
	}
}

// CACertPEM returns the CA certificate in PEM form, distributed to every
// peer so it can verify certificates this CA issues.
func (ca *CA) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// CACertPool returns an x509.CertPool containing only the root, suitable
// for tls.Config.ClientCAs / RootCAs in every listener in the trust fabric.
func (ca *CA) CACertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// IssueClientCert signs a CSR submitted for a client. The CSR's own Subject
// is ignored — the cn argument, chosen by the operator issuing the
// certificate, is what ends up on the certificate, so a client can never
// mint itself an identity it wasn't granted out of band.
func (ca *CA) IssueClientCert(csrDER []byte, cn string) (IssuedCert, error) {
	return ca.signCSR(csrDER, cn, KindClient, leafValidity(KindClient))
}

// IssueComponentCert generates a fresh RSA keypair and issues a certificate
// for an internal broker component (store, ingress, or worker). Unlike
// client certs, component certs carry both ServerAuth and ClientAuth EKUs
// since Store, Ingress, and Worker all dial each other mutually.
func (ca *CA) IssueComponentCert(cn string, dnsNames []string, ips []net.IP) (certPEM, keyPEM []byte, serial string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, "", fmt.Errorf("generate component key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serialNum, err := randomSerial()
	if err != nil {
		return nil, nil, "", fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serialNum,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(leafValidity(KindComponent)),

		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, "", fmt.Errorf("sign component cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM, err = encodeRSAKeyPEM(key)
	if err != nil {
		return nil, nil, "", err
	}

	return certPEM, keyPEM, fmt.Sprintf("%x", serialNum), nil
}

// Renew issues a fresh certificate for the same identity ahead of
// expiration. It does not revoke the prior certificate — the caller
// decides whether the old serial should also be revoked.
func (ca *CA) Renew(csrDER []byte, cn string, kind Kind) (IssuedCert, error) {
	return ca.signCSR(csrDER, cn, kind, leafValidity(kind))
}

// signCSR validates and signs a PKCS#10 request, overriding its Subject
// with cn (the identity the caller supplies, never the CSR's own claim) so
// a client cannot request a certificate for someone else's name.
func (ca *CA) signCSR(csrDER []byte, cn string, kind Kind, validity time.Duration) (IssuedCert, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return IssuedCert{}, fmt.Errorf("csr signature invalid: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serialNum, err := randomSerial()
	if err != nil {
		return IssuedCert{}, fmt.Errorf("generate serial: %w", err)
	}

	usage := []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	now := time.Now()
	expiresAt := now.Add(validity)
	tmpl := &x509.Certificate{
		SerialNumber:          serialNum,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              expiresAt,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           usage,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("sign cert: %w", err)
	}

	_ = kind // reserved for future per-kind EKU differentiation

	serialHex := fmt.Sprintf("%x", serialNum)
	fp := certFingerprint(certDER)

	ca.fpMu.Lock()
	ca.fingerprints[serialHex] = fp
	ca.fpMu.Unlock()

	return IssuedCert{
		CertPEM:           pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		Serial:            serialHex,
		ExpiresAt:         expiresAt,
		FingerprintSHA256: fp,
	}, nil
}

// certFingerprint is the registry's pinning value for a leaf certificate:
// the hex-encoded SHA-256 digest of its DER encoding.
func certFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Revoke marks a serial revoked in the in-memory set and invalidates the
// CRL cache. The caller (internal/store, inside the same DB transaction
// that records the revocation durably) is responsible for persistence;
// this call only affects runtime verification and the next PublishCRL.
func (ca *CA) Revoke(serial string) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.crlMu.Lock()
	defer ca.crlMu.Unlock()
	ca.revoked[serial] = time.Now()
	ca.crlDER = nil
}

// IsRevoked reports whether a serial (lowercase hex, no leading 0x) is in
// the revocation set.
func (ca *CA) IsRevoked(serial string) bool {
	ca.crlMu.RLock()
	defer ca.crlMu.RUnlock()
	_, ok := ca.revoked[serial]
	return ok
}

// Verify checks a peer certificate against this CA: signature chain,
// expiry, revocation status, and — for certificates the Store's registry
// knows about — fingerprint pinning, in that order. A component cert
// (self-minted per process, never entered into the fingerprint registry to
// avoid a bootstrap dependency on the very API this check guards) has no
// registry entry and so is judged on the first three checks alone; a
// client cert issued via signCSR always has one and must match it, which
// is what catches a forged-but-chain-valid certificate: it did not come
// from ca.key's signCSR path for that serial, so its fingerprint mismatches
// (or the serial, copied from a genuine cert, now maps to a DER digest that
// isn't the forged cert's own).
func (ca *CA) Verify(cert *x509.Certificate) VerifyResult {
	serial := fmt.Sprintf("%x", cert.SerialNumber)
	res := VerifyResult{CommonName: cert.Subject.CommonName, Serial: serial, ExpiresAt: cert.NotAfter}

	if err := cert.CheckSignatureFrom(ca.cert); err != nil {
		res.Reason = "not signed by broker CA"
		return res
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		res.Reason = "certificate expired or not yet valid"
		return res
	}
	if ca.IsRevoked(serial) {
		res.Reason = "certificate revoked"
		return res
	}
	ca.fpMu.RLock()
	registered, hasEntry := ca.fingerprints[serial]
	ca.fpMu.RUnlock()
	if hasEntry && registered != certFingerprint(cert.Raw) {
		res.Reason = "certificate fingerprint does not match registry"
		return res
	}
	res.Valid = true
	return res
}

// PublishCRL rebuilds the CRL from the current revocation set, with entries
// ordered by serial number, and caches it, regardless of how fresh the
// existing cache is. Call this immediately
// after a Revoke that must be externally visible right away.
func (ca *CA) PublishCRL() ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	ca.crlMu.RLock()
	entries := make([]x509.RevocationListEntry, 0, len(ca.revoked))
	for serialHex, at := range ca.revoked {
		serialNum := new(big.Int)
		serialNum.SetString(serialHex, 16)
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serialNum,
			RevocationTime: at,
		})
	}
	ca.crlMu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SerialNumber.Cmp(entries[j].SerialNumber) < 0
	})

	now := time.Now()
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(now.UnixNano()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(crlFreshness),
		RevokedCertificateEntries: entries,
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.cert, ca.key)
	if err != nil {
		return nil, fmt.Errorf("create crl: %w", err)
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})

	ca.crlMu.Lock()
	ca.crlDER = pemBytes
	ca.crlBuiltAt = now
	ca.crlMu.Unlock()

	return pemBytes, nil
}

// CachedCRL returns the cached CRL if it is no older than crlFreshness,
// rebuilding it otherwise. This is what the internal Store API serves to
// callers polling for the current revocation list.
func (ca *CA) CachedCRL() ([]byte, error) {
	ca.crlMu.RLock()
	fresh := ca.crlDER != nil && time.Since(ca.crlBuiltAt) < crlFreshness
	cached := ca.crlDER
	ca.crlMu.RUnlock()

	if fresh {
		return cached, nil
	}
	return ca.PublishCRL()
}

func leafValidity(kind Kind) time.Duration {
	switch kind {
	case KindComponent:
		return 90 * 24 * time.Hour
	default:
		return 90 * 24 * time.Hour
	}
}

// --- internal helpers ---

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &CA{
		certPath:     certPath,
		keyPath:      keyPath,
		cert:         cert,
		key:          key,
		revoked:      make(map[string]time.Time),
		fingerprints: make(map[string]string),
	}, nil
}

// randomSerial generates a cryptographically random 128-bit serial number,
// as recommended by CABForum for certificate serial numbers.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encode cert pem: %w", err)
	}
	return nil
}

func writeRSAKeyPEM(path string, key *rsa.PrivateKey) error {
	pemBytes, err := encodeRSAKeyPEM(key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(pemBytes); err != nil {
		return fmt.Errorf("write key pem: %w", err)
	}
	return nil
}

func encodeRSAKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
