package oauthflow

import "github.com/airweave-ai/airweave-core/internal/apperrors"

func OAuthNotConfiguredError(shortName string) error {
	return apperrors.Newf(apperrors.KindNotFound, "no IntegrationSettings registered for %q", shortName)
}

func OAuthSessionNotFoundError(key string) error {
	return apperrors.Newf(apperrors.KindNotFound, "no ConnectionInitSession found for key %q", key)
}

func OAuthSessionAlreadyCompletedError(key string, state SessionState) error {
	return apperrors.Newf(apperrors.KindConflict, "session %q is %s, not pending", key, state)
}

func OAuthTokenExchangeError(cause error) error {
	return apperrors.Wrap(apperrors.KindRemoteProvider, cause, "token exchange failed")
}
