// Package session keeps the client's authenticated session.
//
// The token is decoded locally without verification so the host can render the user
// immediately. Trust comes only from the remote verify round-trip, issued through a
// transport.Transport by the Verifier. The Manager applies the startup policy and the
// periodic background re-check.
//
// When the authority cannot be reached after every retry, Verify fails open for tokens
// that are not locally expired. This keeps users signed in through outages and means a
// session may be accepted without server confirmation.
package session
