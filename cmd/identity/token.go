package identity

import (
	"warden/cmd/security/token"
)

// verificationTokenBytes sizes the random part of email verification tokens.
const verificationTokenBytes = 32

// newVerificationToken returns a mailable token and the digest stored server-side.
func newVerificationToken(d *token.Digester) (plain string, digest string, err error) {
	plain, err = token.NewOpaqueSecret(verificationTokenBytes)
	if err != nil {
		return "", "", err
	}
	digest, err = d.Digest(plain)
	if err != nil {
		return "", "", err
	}
	return plain, digest, nil
}
