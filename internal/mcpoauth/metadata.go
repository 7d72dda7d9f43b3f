package mcpoauth

// ServerMetadata is the RFC 8414 authorization server metadata
// document, reused directly from the teacher's handleOAuthMetadata
// (internal/mcpserver/server/oauth_metadata.go) with the Auth0-specific
// field values replaced by this server's own endpoints.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func BuildServerMetadata(publicURL string) ServerMetadata {
	return ServerMetadata{
		Issuer:                            publicURL,
		AuthorizationEndpoint:             publicURL + "/oauth/authorize",
		TokenEndpoint:                     publicURL + "/oauth/token",
		RevocationEndpoint:                publicURL + "/oauth/revoke",
		IntrospectionEndpoint:             publicURL + "/oauth/introspect",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:     []string{string(CodeChallengeMethodS256)},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

// ProtectedResourceMetadata is the RFC 9728 protected resource metadata
// document, reused directly from the teacher's
// handleOAuthProtectedResourceMetadata.
type ProtectedResourceMetadata struct {
	Resource                string   `json:"resource"`
	AuthorizationServers    []string `json:"authorization_servers"`
	BearerMethodsSupported  []string `json:"bearer_methods_supported"`
}

func BuildProtectedResourceMetadata(publicURL string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               publicURL,
		AuthorizationServers:   []string{publicURL},
		BearerMethodsSupported: []string{"header"},
	}
}
