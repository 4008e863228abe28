package oauth

import "golang.org/x/oauth2"

// pkceParams is an RFC 7636 code verifier/challenge pair, generated fresh
// for every authorization attempt via golang.org/x/oauth2's PKCE helpers.
type pkceParams struct {
	CodeVerifier  string
	CodeChallenge string
}

func newPKCEParams() (*pkceParams, error) {
	verifier := oauth2.GenerateVerifier()
	return &pkceParams{
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
	}, nil
}
