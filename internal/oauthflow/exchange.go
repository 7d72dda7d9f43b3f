package oauthflow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/airweave-ai/airweave-core/internal/apperrors"
)

// HTTPExchanger is the default Exchanger: golang.org/x/oauth2 drives
// the OAuth2 authorization_code exchange (with PKCE when the
// integration declares UsesPKCE), and a hand-rolled HMAC-SHA1 signer
// drives OAuth1's request-token/access-token dance for the handful of
// legacy providers that still require it.
type HTTPExchanger struct {
	httpClient *http.Client
}

func NewHTTPExchanger() *HTTPExchanger {
	return &HTTPExchanger{httpClient: http.DefaultClient}
}

func (e *HTTPExchanger) ExchangeOAuth2(ctx context.Context, settings IntegrationSettings, code, codeVerifier, clientID, clientSecret string) (TokenResponse, error) {
	cfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       settings.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  settings.AuthURL,
			TokenURL: settings.TokenURL,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	var opts []oauth2.AuthCodeOption
	if settings.UsesPKCE && codeVerifier != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	}

	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return TokenResponse{}, apperrors.Wrap(apperrors.KindRemoteProvider, err, "oauth2 code exchange failed")
	}

	return TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    int(time.Until(tok.Expiry).Seconds()),
		Raw:          map[string]any{"expiry": tok.Expiry},
	}, nil
}

// RequestOAuth1Token performs the OAuth1 "request token" leg (RFC 5849
// §6.1): a signed POST to RequestTokenURL with oauth_callback=oob,
// returning the temporary token/secret pair the caller redirects the
// user to authorize.
func (e *HTTPExchanger) RequestOAuth1Token(ctx context.Context, settings IntegrationSettings, consumerKey, consumerSecret string) (string, string, error) {
	params := oauth1BaseParams(consumerKey)
	params.Set("oauth_callback", "oob")

	sig := oauth1Sign(http.MethodPost, settings.RequestTokenURL, params, consumerSecret, "")
	params.Set("oauth_signature", sig)

	body, err := e.doOAuth1Request(ctx, settings.RequestTokenURL, params)
	if err != nil {
		return "", "", err
	}

	return body.Get("oauth_token"), body.Get("oauth_token_secret"), nil
}

func (e *HTTPExchanger) ExchangeOAuth1(ctx context.Context, settings IntegrationSettings, oauthToken, oauthTokenSecret, verifier, consumerKey, consumerSecret string) (TokenResponse, error) {
	params := oauth1BaseParams(consumerKey)
	params.Set("oauth_token", oauthToken)
	params.Set("oauth_verifier", verifier)

	sig := oauth1Sign(http.MethodPost, settings.TokenURL, params, consumerSecret, oauthTokenSecret)
	params.Set("oauth_signature", sig)

	body, err := e.doOAuth1Request(ctx, settings.TokenURL, params)
	if err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  body.Get("oauth_token"),
		RefreshToken: "",
		TokenType:    "oauth1",
		Raw:          map[string]any{"oauth_token_secret": body.Get("oauth_token_secret")},
	}, nil
}

func (e *HTTPExchanger) doOAuth1Request(ctx context.Context, endpoint string, params url.Values) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvariant, err, "build oauth1 request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindRemoteProvider, err, "oauth1 exchange request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.KindRemoteProvider, fmt.Sprintf("oauth1 provider returned %d", resp.StatusCode))
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if readErr != nil {
			break
		}
	}

	return url.ParseQuery(string(buf))
}

func oauth1BaseParams(consumerKey string) url.Values {
	params := url.Values{}
	params.Set("oauth_consumer_key", consumerKey)
	params.Set("oauth_nonce", oauth1Nonce())
	params.Set("oauth_signature_method", "HMAC-SHA1")
	params.Set("oauth_timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	params.Set("oauth_version", "1.0")
	return params
}

func oauth1Nonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// oauth1Sign implements RFC 5849 §3.4's HMAC-SHA1 signature base
// string construction over the params already set (minus the signature
// itself).
func oauth1Sign(method, endpoint string, params url.Values, consumerSecret, tokenSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(params.Get(k))))
	}
	paramString := strings.Join(pairs, "&")

	baseString := strings.Join([]string{
		strings.ToUpper(method),
		url.QueryEscape(endpoint),
		url.QueryEscape(paramString),
	}, "&")

	signingKey := url.QueryEscape(consumerSecret) + "&" + url.QueryEscape(tokenSecret)

	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// MapRegistry is the simplest Registry: a name-keyed map of
// IntegrationSettings populated at startup from whatever catalog the
// deployment has on hand (spec.md §1 "specific per-source connector
// business logic" stays out of scope — this just holds the OAuth
// endpoint shapes, not connector behavior).
type MapRegistry struct {
	entries map[string]IntegrationSettings
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{entries: make(map[string]IntegrationSettings)}
}

func (r *MapRegistry) Register(settings IntegrationSettings) {
	r.entries[settings.ShortName] = settings
}

func (r *MapRegistry) Get(shortName string) (IntegrationSettings, bool) {
	s, ok := r.entries[shortName]
	return s, ok
}
