package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	pkgsecrets "github.com/Checker-Finance/kite-ingest/pkg/secrets"
	"github.com/Checker-Finance/kite-ingest/pkg/utils"
)

// ErrNoSession is returned when neither the secret store nor the fallback
// yields usable credentials.
var ErrNoSession = errors.New("no broker session configured")

// SessionName is the default secret name for an environment: {env}/kite/session.
func SessionName(env string) string {
	return strings.ToLower(fmt.Sprintf("%s/kite/session", env))
}

// SessionResolver resolves the broker session from a secrets provider,
// caching it locally. Static credentials from the environment act as a
// fallback when no provider is configured or the lookup fails.
type SessionResolver struct {
	logger     *zap.Logger
	provider   pkgsecrets.Provider
	cache      *pkgsecrets.Cache[broker.Session]
	secretName string
	fallback   broker.Session
}

// NewSessionResolver builds a resolver. provider and cache may be nil.
func NewSessionResolver(
	logger *zap.Logger,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[broker.Session],
	secretName string,
	fallback broker.Session,
) *SessionResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionResolver{
		logger:     logger,
		provider:   provider,
		cache:      cache,
		secretName: secretName,
		fallback:   fallback,
	}
}

// Resolve returns a valid session or ErrNoSession.
func (r *SessionResolver) Resolve(ctx context.Context) (broker.Session, error) {
	if r.provider == nil || r.secretName == "" {
		return r.useFallback(nil)
	}

	// --- check in-memory cache first ---
	if r.cache != nil {
		if s, ok := r.cache.Get(r.secretName); ok {
			return s, nil
		}
	}

	// --- fetch from the secrets provider ---
	secretMap, err := r.provider.GetSecret(ctx, r.secretName)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed", zap.String("key", r.secretName), zap.Error(err))
		return r.useFallback(err)
	}
	s, err := parseSession(secretMap)
	if err != nil {
		r.logger.Warn("aws.secret_invalid", zap.String("key", r.secretName), zap.Error(err))
		return r.useFallback(err)
	}

	if r.cache != nil {
		r.cache.Put(r.secretName, s)
	}
	r.logger.Info("aws.session_resolved",
		zap.String("key", r.secretName),
		zap.String("api_key", utils.MaskSecret(s.APIKey)))
	return s, nil
}

// Invalidate drops the cached session, e.g. after the broker reports a token error.
func (r *SessionResolver) Invalidate() {
	if r.cache != nil {
		r.cache.Bust(r.secretName)
	}
}

func (r *SessionResolver) useFallback(cause error) (broker.Session, error) {
	if r.fallback.Valid() {
		if cause != nil {
			r.logger.Warn("secrets.using_env_session", zap.String("api_key", utils.MaskSecret(r.fallback.APIKey)))
		}
		return r.fallback, nil
	}
	if cause != nil {
		return broker.Session{}, fmt.Errorf("%w: %v", ErrNoSession, cause)
	}
	return broker.Session{}, ErrNoSession
}

func parseSession(m map[string]string) (broker.Session, error) {
	s := broker.Session{APIKey: m["api_key"], AccessToken: m["access_token"]}
	if !s.Valid() {
		return broker.Session{}, errors.New("secret must contain api_key and access_token")
	}
	return s, nil
}
