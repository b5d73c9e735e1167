package broker

import "go.uber.org/zap"

// OriginVerifier gates every inbound message on an exact match against
// the trusted origin. Rejection is silent: log and audit only, never a
// reply — an attacker must not be able to tell "wrong origin" from "no
// listener".
type OriginVerifier struct {
	trusted string
	logger  *zap.Logger
}

// NewOriginVerifier creates a verifier for the given trusted origin.
func NewOriginVerifier(trusted string, logger *zap.Logger) *OriginVerifier {
	return &OriginVerifier{trusted: trusted, logger: logger}
}

// Verify reports whether the claimed origin is trusted. No message
// content is inspected before this check passes.
func (v *OriginVerifier) Verify(claimed string) bool {
	if claimed == v.trusted {
		return true
	}
	v.logger.Warn("dropping message from untrusted origin",
		zap.String("claimed_origin", claimed),
	)
	return false
}
