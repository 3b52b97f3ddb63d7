package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ironpost/broker/internal/apperr"
)

// CreateCertificate registers a freshly issued certificate. Fails with
// apperr.DuplicateCN if an active, non-revoked certificate of the same
// kind and CN already exists.
func (s *Store) CreateCertificate(c Certificate) error {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)

		if c.Kind == CertKindClient || c.Kind == CertKindServer || c.Kind == CertKindProxy || c.Kind == CertKindWorker {
			cur := b.Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				var existing Certificate
				if err := json.Unmarshal(v, &existing); err != nil {
					continue
				}
				if existing.SubjectCN == c.SubjectCN && existing.Kind == c.Kind && existing.RevokedAt.IsZero() {
					return apperr.DuplicateCN(c.SubjectCN)
				}
			}
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal certificate: %w", err)
		}
		return b.Put([]byte(c.Serial), data)
	})
}

// GetCertificate retrieves a certificate by serial.
func (s *Store) GetCertificate(serial string) (*Certificate, error) {
	var c Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCertificates).Get([]byte(serial))
		if v == nil {
			return apperr.NotFound("certificate")
		}
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RevokeCertificate sets RevokedAt/RevocationReason. Idempotent on an
// already-revoked serial — returns (alreadyRevoked=true, nil), not an
// error, per the CA's AlreadyRevoked warning semantics.
func (s *Store) RevokeCertificate(serial, reason string) (alreadyRevoked bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCertificates)
		v := b.Get([]byte(serial))
		if v == nil {
			return apperr.NotFound("certificate")
		}
		var c Certificate
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("unmarshal certificate: %w", err)
		}
		if !c.RevokedAt.IsZero() {
			alreadyRevoked = true
			return nil
		}
		c.RevokedAt = time.Now().UTC()
		c.RevocationReason = reason
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal certificate: %w", err)
		}
		return b.Put([]byte(serial), data)
	})
	return alreadyRevoked, err
}

// ListCertificates returns every certificate in the registry.
func (s *Store) ListCertificates() ([]Certificate, error) {
	var out []Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCertificates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cert Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				continue
			}
			out = append(out, cert)
		}
		return nil
	})
	return out, err
}

// RevokedSerials returns every revoked serial with its revocation time,
// used to seed internal/ca's in-memory revocation set at startup.
func (s *Store) RevokedSerials() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCertificates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cert Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				continue
			}
			if !cert.RevokedAt.IsZero() {
				out[cert.Serial] = cert.RevokedAt
			}
		}
		return nil
	})
	return out, err
}

// Fingerprints returns every serial in the registry that carries a
// fingerprint, used to seed internal/ca's in-memory fingerprint-pinning
// set at startup and on refresh. Only serials issued through the client
// CSR path carry one; component certificates never appear here.
func (s *Store) Fingerprints() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCertificates).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cert Certificate
			if err := json.Unmarshal(v, &cert); err != nil {
				continue
			}
			if cert.FingerprintSHA256 != "" {
				out[cert.Serial] = cert.FingerprintSHA256
			}
		}
		return nil
	})
	return out, err
}
