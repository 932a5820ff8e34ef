// Package secret defines the Provider interface used to fetch the HMAC
// signing secret at startup (spec §4.7, §1: "the credential fetch from an
// external secret store" is an external collaborator — only the
// interface and its call site belong to this system).
package secret

import "context"

// Provider fetches a single secret value by path.
type Provider interface {
	Get(ctx context.Context, path string) (string, error)
	Close() error
}
