package store

import "time"

// MessageStatus is the lifecycle state of a Message. Terminal statuses
// (Delivered, Failed, Cancelled) never transition to any other status.
type MessageStatus string

const (
	StatusQueued     MessageStatus = "queued"
	StatusDelivering MessageStatus = "delivering"
	StatusDelivered  MessageStatus = "delivered"
	StatusFailed     MessageStatus = "failed"
	StatusCancelled  MessageStatus = "cancelled"
)

// IsTerminal reports whether a status never transitions further.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Message is the Store's record of one submitted message. The plaintext
// body never appears here — only BodyCiphertext, which already carries
// the nonce and key_id needed to decrypt it.
type Message struct {
	MessageID         string        `json:"message_id"`
	ClientID          string        `json:"client_id"` // fk -> Client.CN
	SenderFingerprint []byte        `json:"sender_fingerprint"`
	SenderMasked      string        `json:"sender_masked"`
	BodyCiphertext    []byte        `json:"body_ciphertext"`
	Status            MessageStatus `json:"status"`
	Attempts          uint          `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	DeliveredAt       time.Time     `json:"delivered_at,omitempty"`
}

// Client is a registered mTLS identity allowed to submit messages. CN is
// the certificate Common Name and the sole primary key.
type Client struct {
	CN          string    `json:"cn"`
	DisplayName string    `json:"display_name"`
	Active      bool      `json:"active"`
	Domain      string    `json:"domain,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role is an operator's authorization level.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User is an operator account on the Operator API.
type User struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"` // unique, case-sensitive; not lower-cased
	PasswordHash  string    `json:"password_hash"`
	Role          Role      `json:"role"`
	Active        bool      `json:"active"`
	LastLoginAt   time.Time `json:"last_login_at,omitempty"`
	LinkedClients []string  `json:"linked_clients,omitempty"` // CNs this user may view, role=user only
	CreatedAt     time.Time `json:"created_at"`
}

// CertKind identifies what a Certificate row was issued for.
type CertKind string

const (
	CertKindCA     CertKind = "ca"
	CertKindServer CertKind = "server"
	CertKindProxy  CertKind = "proxy"
	CertKindWorker CertKind = "worker"
	CertKindClient CertKind = "client"
)

// Certificate is the registry row shadowing every certificate the CA has
// issued. Revocation is append-only: RevokedAt, once set, is never cleared
// and the serial is never reissued.
type Certificate struct {
	Serial            string    `json:"serial"`
	SubjectCN         string    `json:"subject_cn"`
	Kind              CertKind  `json:"kind"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
	RevokedAt         time.Time `json:"revoked_at,omitempty"`
	RevocationReason  string    `json:"revocation_reason,omitempty"`
	Active            bool      `json:"active"` // only meaningful for kind=ca
}

// AuditEntry is one append-only row in the audit log. Never mutated or
// deleted by the core.
type AuditEntry struct {
	ID          string    `json:"id"`
	Actor       string    `json:"actor"` // user_id or component CN
	Action      string    `json:"action"`
	Target      string    `json:"target"`
	At          time.Time `json:"at"`
	DetailsJSON string    `json:"details_json,omitempty"`
}
