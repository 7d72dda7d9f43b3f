package oauthflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	settings map[string]IntegrationSettings
}

func (f fakeRegistry) Get(shortName string) (IntegrationSettings, bool) {
	s, ok := f.settings[shortName]
	return s, ok
}

type fakeRefresher struct {
	calls int
	token TokenResponse
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, settings IntegrationSettings, refreshToken string) (TokenResponse, error) {
	f.calls++
	return f.token, f.err
}

func TestRefreshBrokerServesCachedTokenWithoutRefreshing(t *testing.T) {
	refresher := &fakeRefresher{token: TokenResponse{AccessToken: "fresh"}}
	b := NewRefreshBroker(fakeRegistry{settings: map[string]IntegrationSettings{"slack": {ShortName: "slack"}}}, refresher)

	b.Seed("sc-1", TokenResponse{AccessToken: "t1", ExpiresIn: 3600})

	tok, err := b.GetAccessToken(context.Background(), "sc-1", "slack", "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "t1", tok.AccessToken)
	require.Equal(t, 0, refresher.calls)
}

func TestRefreshBrokerRefreshesWhenExpiringSoon(t *testing.T) {
	refresher := &fakeRefresher{token: TokenResponse{AccessToken: "t2", ExpiresIn: 3600}}
	b := NewRefreshBroker(fakeRegistry{settings: map[string]IntegrationSettings{"slack": {ShortName: "slack"}}}, refresher)

	b.Seed("sc-1", TokenResponse{AccessToken: "t1", ExpiresIn: 60}) // within ExpiryBuffer

	tok, err := b.GetAccessToken(context.Background(), "sc-1", "slack", "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "t2", tok.AccessToken)
	require.Equal(t, 1, refresher.calls)
}

func TestRefreshBrokerUnconfiguredSourceErrors(t *testing.T) {
	b := NewRefreshBroker(fakeRegistry{settings: map[string]IntegrationSettings{}}, &fakeRefresher{})
	_, err := b.GetAccessToken(context.Background(), "sc-1", "unknown", "refresh-1")
	require.Error(t, err)
}

func TestRefreshBrokerInvalidateForcesRefresh(t *testing.T) {
	refresher := &fakeRefresher{token: TokenResponse{AccessToken: "t2", ExpiresIn: 3600}}
	b := NewRefreshBroker(fakeRegistry{settings: map[string]IntegrationSettings{"slack": {ShortName: "slack"}}}, refresher)

	b.Seed("sc-1", TokenResponse{AccessToken: "t1", ExpiresIn: 3600})
	b.Invalidate("sc-1")

	tok, err := b.GetAccessToken(context.Background(), "sc-1", "slack", "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "t2", tok.AccessToken)
}
