package oauthflow

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// Registry resolves IntegrationSettings by short_name. A real
// deployment populates it from the same source catalog as
// sourceregistry; kept separate here because not every source has
// OAuth settings (direct-auth sources never do).
type Registry interface {
	Get(shortName string) (IntegrationSettings, bool)
}

// Service drives the OAuth2/OAuth1 init -> callback -> exchange
// lifecycle (spec.md §4.2). It owns no HTTP transport; internal/httpapi
// wires it into the authorize/callback endpoints (spec.md §6).
type Service struct {
	store     *Store
	registry  Registry
	exchanger Exchanger
	publicURL string // base URL used to build the provider's redirect_uri and the proxy URL
}

func NewService(store *Store, registry Registry, exchanger Exchanger, publicURL string) *Service {
	return &Service{store: store, registry: registry, exchanger: exchanger, publicURL: publicURL}
}

// InitOAuth2Input is what the caller (source connection service)
// supplies to start an OAuth2 browser flow.
type InitOAuth2Input struct {
	ShortName      string
	OrganizationID string
	Payload        map[string]any // pending connection spec
	BYOCClientID   string
	BYOCSecret     string
}

// InitOAuth2 implements spec.md §4.2 steps 1-5 for the OAuth2 branch.
// It returns the proxy URL `/source-connections/authorize/{code}` the
// caller hands back to the browser.
func (s *Service) InitOAuth2(ctx context.Context, in InitOAuth2Input) (proxyURL string, err error) {
	settings, ok := s.registry.Get(in.ShortName)
	if !ok {
		return "", OAuthNotConfiguredError(in.ShortName)
	}
	if settings.Kind != KindOAuth2 {
		return "", apperrors.Newf(apperrors.KindValidation, "source %q is not an OAuth2 integration", in.ShortName)
	}

	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	overrides := Overrides{ClientID: in.BYOCClientID, ClientSecret: in.BYOCSecret}
	authURL, err := s.buildOAuth2AuthURL(settings, state, &overrides)
	if err != nil {
		return "", err
	}

	code, err := s.newUniqueRedirectCode(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if err := s.store.CreateRedirectSession(ctx, RedirectSession{
		Code:      code,
		TargetURL: authURL,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		return "", err
	}

	if err := s.store.CreateInitSession(ctx, ConnectionInitSession{
		ShortName:         in.ShortName,
		State:             SessionPending,
		SessionKey:        state,
		Payload:           in.Payload,
		Overrides:         overrides,
		RedirectSessionID: code,
		OrganizationID:    in.OrganizationID,
		ExpiresAt:         now.Add(30 * time.Minute),
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("/source-connections/authorize/%s", code), nil
}

func (s *Service) buildOAuth2AuthURL(settings IntegrationSettings, state string, overrides *Overrides) (string, error) {
	clientID := settings.DefaultClientID
	if overrides.ClientID != "" {
		clientID = overrides.ClientID
	}

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("state", state)
	q.Set("redirect_uri", s.publicURL+"/source-connections/callback")
	q.Set("response_type", "code")
	if len(settings.Scopes) > 0 {
		for _, sc := range settings.Scopes {
			q.Add("scope", sc)
		}
	}

	if settings.UsesPKCE {
		pair, err := GeneratePKCE()
		if err != nil {
			return "", err
		}
		overrides.CodeVerifier = pair.Verifier
		q.Set("code_challenge", pair.Challenge)
		q.Set("code_challenge_method", "S256")
	}

	base, err := url.Parse(settings.AuthURL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInvariant, err, "invalid provider auth URL")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// InitOAuth1Input mirrors InitOAuth2Input for the request-token flow.
type InitOAuth1Input struct {
	ShortName      string
	OrganizationID string
	Payload        map[string]any
	ConsumerKey    string
	ConsumerSecret string
}

// InitOAuth1 implements the OAuth1 mirror of InitOAuth2: first calls
// /request_token, then keys the session by the returned oauth_token
// (spec.md §4.2 "OAuth1 init mirrors this").
func (s *Service) InitOAuth1(ctx context.Context, in InitOAuth1Input) (proxyURL string, err error) {
	settings, ok := s.registry.Get(in.ShortName)
	if !ok {
		return "", OAuthNotConfiguredError(in.ShortName)
	}
	if settings.Kind != KindOAuth1 {
		return "", apperrors.Newf(apperrors.KindValidation, "source %q is not an OAuth1 integration", in.ShortName)
	}

	oauthToken, oauthTokenSecret, err := s.exchanger.RequestOAuth1Token(ctx, settings, in.ConsumerKey, in.ConsumerSecret)
	if err != nil {
		return "", OAuthTokenExchangeError(err)
	}

	authURL := fmt.Sprintf("%s?oauth_token=%s", settings.AuthURL, url.QueryEscape(oauthToken))

	code, err := s.newUniqueRedirectCode(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if err := s.store.CreateRedirectSession(ctx, RedirectSession{
		Code:      code,
		TargetURL: authURL,
		ExpiresAt: now.Add(24 * time.Hour),
	}); err != nil {
		return "", err
	}

	if err := s.store.CreateInitSession(ctx, ConnectionInitSession{
		ShortName:  in.ShortName,
		State:      SessionPending,
		SessionKey: oauthToken,
		Payload:    in.Payload,
		Overrides: Overrides{
			OAuthToken:       oauthToken,
			OAuthTokenSecret: oauthTokenSecret,
			ConsumerKey:      in.ConsumerKey,
			ConsumerSecret:   in.ConsumerSecret,
		},
		RedirectSessionID: code,
		OrganizationID:    in.OrganizationID,
		ExpiresAt:         now.Add(30 * time.Minute),
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("/source-connections/authorize/%s", code), nil
}

func (s *Service) newUniqueRedirectCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := GenerateRedirectCode()
		if err != nil {
			return "", err
		}
		if _, err := s.store.GetRedirectSession(ctx, code); err != nil {
			return code, nil // not found (or expired) means the code is free
		}
	}
	return "", apperrors.New(apperrors.KindInvariant, "could not allocate a unique redirect code")
}

// Authorize resolves a proxy code to the absolute provider URL the
// caller should redirect the browser to (spec.md §6 GET
// /source-connections/authorize/{code}).
func (s *Service) Authorize(ctx context.Context, code string) (targetURL string, err error) {
	rs, err := s.store.GetRedirectSession(ctx, code)
	if err != nil {
		return "", err
	}
	return rs.TargetURL, nil
}

// CallbackOAuth2Input is the inbound `?state=&code=` pair.
type CallbackOAuth2Input struct {
	State string
	Code  string
}

// Callback implements spec.md §4.2 "Callback": look up by session key,
// enforce PENDING + single-use, exchange the code for a token, and
// return a CompletionResult for the caller to finalize. Neither the
// token nor the verifier are ever logged.
func (s *Service) CallbackOAuth2(ctx context.Context, in CallbackOAuth2Input) (CompletionResult, error) {
	sess, err := s.store.GetInitSessionByKey(ctx, in.State)
	if err != nil {
		return CompletionResult{}, err
	}
	if sess.State != SessionPending {
		return CompletionResult{}, OAuthSessionAlreadyCompletedError(in.State, sess.State)
	}
	if sess.IsExpired(time.Now()) {
		return CompletionResult{}, apperrors.New(apperrors.KindConflict, "oauth session expired")
	}

	settings, ok := s.registry.Get(sess.ShortName)
	if !ok {
		return CompletionResult{}, OAuthNotConfiguredError(sess.ShortName)
	}

	clientID := settings.DefaultClientID
	clientSecret := settings.DefaultClientSecret
	if sess.Overrides.ClientID != "" {
		clientID = sess.Overrides.ClientID
		clientSecret = sess.Overrides.ClientSecret
	}

	token, err := s.exchanger.ExchangeOAuth2(ctx, settings, in.Code, sess.Overrides.CodeVerifier, clientID, clientSecret)
	if err != nil {
		return CompletionResult{}, OAuthTokenExchangeError(err)
	}

	won, err := s.store.CompleteSession(ctx, in.State)
	if err != nil {
		return CompletionResult{}, err
	}
	if !won {
		// Another concurrent callback for the same state won the race
		// first (testable property 11: exactly one success).
		return CompletionResult{}, OAuthSessionAlreadyCompletedError(in.State, SessionCompleted)
	}

	log.Ctx(ctx).Info().Str("short_name", sess.ShortName).Str("organization_id", sess.OrganizationID).
		Msg("oauth2 callback completed")

	return CompletionResult{
		TokenResponse:   token,
		InitSession:     sess,
		OriginalPayload: sess.Payload,
		Overrides:       sess.Overrides,
		ShortName:       sess.ShortName,
		OrganizationID:  sess.OrganizationID,
	}, nil
}

// CallbackOAuth1Input is the inbound `?oauth_token=&oauth_verifier=` pair.
type CallbackOAuth1Input struct {
	OAuthToken    string
	OAuthVerifier string
}

func (s *Service) CallbackOAuth1(ctx context.Context, in CallbackOAuth1Input) (CompletionResult, error) {
	sess, err := s.store.GetInitSessionByKey(ctx, in.OAuthToken)
	if err != nil {
		return CompletionResult{}, err
	}
	if sess.State != SessionPending {
		return CompletionResult{}, OAuthSessionAlreadyCompletedError(in.OAuthToken, sess.State)
	}

	settings, ok := s.registry.Get(sess.ShortName)
	if !ok {
		return CompletionResult{}, OAuthNotConfiguredError(sess.ShortName)
	}

	token, err := s.exchanger.ExchangeOAuth1(ctx, settings, sess.Overrides.OAuthToken, sess.Overrides.OAuthTokenSecret,
		in.OAuthVerifier, sess.Overrides.ConsumerKey, sess.Overrides.ConsumerSecret)
	if err != nil {
		return CompletionResult{}, OAuthTokenExchangeError(err)
	}

	won, err := s.store.CompleteSession(ctx, in.OAuthToken)
	if err != nil {
		return CompletionResult{}, err
	}
	if !won {
		return CompletionResult{}, OAuthSessionAlreadyCompletedError(in.OAuthToken, SessionCompleted)
	}

	return CompletionResult{
		TokenResponse:   token,
		InitSession:     sess,
		OriginalPayload: sess.Payload,
		Overrides:       sess.Overrides,
		ShortName:       sess.ShortName,
		OrganizationID:  sess.OrganizationID,
	}, nil
}
