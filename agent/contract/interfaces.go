package contract

import "context"

// Reasoner is the opaque reasoning capability of one agent role. Any backing
// engine may implement it; the core never looks inside.
type Reasoner interface {
	Decide(ctx context.Context, view MemoryView) (Decision, error)
}

// Registry resolves the reasoning capability for each agent role.
type Registry interface {
	Coordinator() Reasoner
	LeadAdmin() Reasoner
	Scheduler() Reasoner
}

// Integration is one external service exposed as a finite set of named
// operations. Implementations classify every failure by wrapping
// ErrTransient or ErrPermanent.
type Integration interface {
	Name() string
	Invoke(ctx context.Context, operation string, args map[string]any, cred Credential) ([]byte, error)
}

// CredentialProvider owns OAuth credentials per (user, integration).
// GetCredential returns ErrCredentialExpired when a refresh is needed;
// RefreshCredential returns ErrRefreshFailed when re-authentication is
// required upstream.
type CredentialProvider interface {
	GetCredential(ctx context.Context, userID, integration string) (Credential, error)
	RefreshCredential(ctx context.Context, userID, integration string) (Credential, error)
}

// Publisher delivers out-of-band notifications (escalations, health alerts)
// to an external queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}
