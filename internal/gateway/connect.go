package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/haven/support-chat/internal/apperr"
	"github.com/haven/support-chat/internal/auth"
	"github.com/haven/support-chat/internal/logging"
	"github.com/haven/support-chat/internal/participant"
	"github.com/haven/support-chat/internal/ratelimit"
	"github.com/haven/support-chat/internal/ws"
)

const upgradeTimeout = 5 * time.Second

// UpgradeAuth authenticates WebSocket upgrade requests. It implements
// ws.Authenticator.
type UpgradeAuth struct {
	verifier  *auth.Verifier
	directory participant.Directory
	limiter   Limiter
}

// NewUpgradeAuth creates an UpgradeAuth. limiter may be nil.
func NewUpgradeAuth(verifier *auth.Verifier, directory participant.Directory, limiter Limiter) *UpgradeAuth {
	return &UpgradeAuth{verifier: verifier, directory: directory, limiter: limiter}
}

// Authenticate returns the participant behind r. The participant must exist
// and be active.
func (a *UpgradeAuth) Authenticate(r *http.Request) (string, error) {
	ctx, cancel := context.WithTimeout(r.Context(), upgradeTimeout)
	defer cancel()

	ip := ws.ClientIP(r)
	if a.limiter != nil {
		if ok, _ := a.limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
			return "", apperr.E(apperr.RateLimited, "too many connection attempts")
		}
	}

	participantID, err := a.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log := logging.Component("auth")
		log.Debug().Err(err).Str("ip", ip).Msg("upgrade rejected")
		return "", apperr.Wrap(apperr.Unauthorized, err, "invalid or missing token")
	}

	p, err := a.directory.FindByID(ctx, participantID)
	if errors.Is(err, participant.ErrNotFound) {
		return "", apperr.E(apperr.Unauthorized, "unknown participant")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, err, "participant lookup failed")
	}
	if !p.Active {
		return "", apperr.E(apperr.Unauthorized, "participant is not active")
	}
	return p.ID, nil
}

var _ ws.Authenticator = (*UpgradeAuth)(nil)
