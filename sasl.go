package qpid

import "bytes"

// SaslOutcome reports whether a SASL round completed negotiation, needs
// another challenge/response round, or failed outright.
type SaslOutcome int

const (
	SaslContinue SaslOutcome = iota
	SaslComplete
	SaslFailed
)

// SaslNegotiator is the pluggable authentication exchange used between
// start-ok and tune-ok. ConnectionEngine creates one per connection attempt
// and never reuses it across a second round after failure.
type SaslNegotiator interface {
	// Mechanism returns the SASL mechanism name this negotiator implements.
	Mechanism() string
	// Step consumes the peer's response (or the initial response from
	// start-ok) and returns either a challenge to send back, or a final
	// outcome plus the authenticated principal.
	Step(response []byte) (challenge []byte, outcome SaslOutcome, principal string, err error)
}

// SaslServerFactory creates a SaslNegotiator for a requested mechanism, or
// returns false if the mechanism is not offered.
type SaslServerFactory func(mechanism string) (SaslNegotiator, bool)

// SupportedMechanisms lists the mechanism names offered by a factory built
// from NewDefaultSaslFactory.
var SupportedMechanisms = []string{"ANONYMOUS", "PLAIN"}

// NewDefaultSaslFactory builds a SaslServerFactory offering ANONYMOUS and
// the PLAIN credential-based login most brokers require. validate is
// called with (username, password) for PLAIN and should return an error if
// the credentials are rejected; it is ignored for ANONYMOUS.
func NewDefaultSaslFactory(validate func(user, pass string) error) SaslServerFactory {
	return func(mechanism string) (SaslNegotiator, bool) {
		switch mechanism {
		case "ANONYMOUS":
			return &anonymousSasl{}, true
		case "PLAIN":
			return &plainSasl{validate: validate}, true
		default:
			return nil, false
		}
	}
}

type anonymousSasl struct{}

func (a *anonymousSasl) Mechanism() string { return "ANONYMOUS" }

func (a *anonymousSasl) Step(response []byte) ([]byte, SaslOutcome, string, error) {
	principal := "anonymous"
	if len(response) > 0 {
		principal = string(response)
	}
	return nil, SaslComplete, principal, nil
}

type plainSasl struct {
	validate func(user, pass string) error
}

func (p *plainSasl) Mechanism() string { return "PLAIN" }

// Step implements RFC 4616: response is [authzid] NUL authcid NUL passwd.
func (p *plainSasl) Step(response []byte) ([]byte, SaslOutcome, string, error) {
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return nil, SaslFailed, "", &SaslFailure{Err: &InvalidArgument{Reason: "malformed PLAIN response"}}
	}
	user, pass := string(parts[1]), string(parts[2])
	if p.validate != nil {
		if err := p.validate(user, pass); err != nil {
			return nil, SaslFailed, "", &SaslFailure{Err: err}
		}
	}
	return nil, SaslComplete, user, nil
}
