package auth

import (
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/core/apierr"
)

// Capabilities is the restriction set declared by an endpoint or cluster.
// Empty sets impose no restriction.
type Capabilities struct {
	AllowedGroups  []string
	AllowedDomains []string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed     bool
	Reason      string
	Remediation string
	HTTPStatus  int
}

// Err converts a denial into the typed error taxonomy; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var e *apierr.Error
	if d.HTTPStatus == http.StatusForbidden {
		e = apierr.Authorization("%s", d.Reason)
	} else {
		e = apierr.Authentication("%s", d.Reason)
	}
	e.Status = d.HTTPStatus
	e.Remediation = d.Remediation
	return e
}

// Engine evaluates a request's capability set against a target's declared
// restrictions. Platform-wide checks (session domain, high-assurance policy)
// run before per-resource group/domain checks, so a resource can only ever
// tighten the platform default.
type Engine struct {
	serviceAccounts map[string]struct{}
	idpDomains      []string
	policy          string
}

// NewEngine constructs an AuthorizationEngine. serviceAccounts lists
// allow-listed non-interactive principals (by subject); idpDomains lists
// identity-provider domains accepted for interactive sessions; policy, when
// non-empty, names the high-assurance policy claim required of interactive
// sessions.
func NewEngine(serviceAccounts, idpDomains []string, policy string) *Engine {
	accounts := make(map[string]struct{}, len(serviceAccounts))
	for _, sa := range serviceAccounts {
		if sa = strings.TrimSpace(sa); sa != "" {
			accounts[sa] = struct{}{}
		}
	}
	return &Engine{
		serviceAccounts: accounts,
		idpDomains:      idpDomains,
		policy:          policy,
	}
}

func allow() Decision {
	return Decision{Allowed: true, HTTPStatus: http.StatusOK}
}

func deny(status int, reason, remediation string) Decision {
	return Decision{Reason: reason, Remediation: remediation, HTTPStatus: status}
}

// IsServiceAccount reports whether the claims identify an allow-listed
// non-interactive principal.
func (e *Engine) IsServiceAccount(claims *Claims) bool {
	if claims == nil {
		return false
	}
	_, ok := e.serviceAccounts[claims.Subject]
	return ok
}

// Authorize evaluates claims against the target's capability restrictions.
func (e *Engine) Authorize(claims *Claims, target Capabilities) Decision {
	if claims == nil || !claims.Active {
		return deny(http.StatusUnauthorized, "token inactive or expired", "")
	}

	serviceAccount := e.IsServiceAccount(claims)
	if !serviceAccount {
		if len(e.idpDomains) > 0 && !containsFold(e.idpDomains, claims.Domain) {
			return deny(http.StatusForbidden,
				"session identity provider domain not allowed", "")
		}
		if e.policy != "" && !claims.Policies[e.policy] {
			return deny(http.StatusForbidden,
				"session does not satisfy policy "+e.policy,
				"re-authenticate to obtain a session satisfying "+e.policy)
		}
	}

	if len(target.AllowedGroups) > 0 && !intersects(claims.Groups, target.AllowedGroups) {
		return deny(http.StatusUnauthorized, "identity is not in an allowed group", "")
	}
	if len(target.AllowedDomains) > 0 && !containsFold(target.AllowedDomains, claims.Domain) {
		return deny(http.StatusUnauthorized, "identity domain is not allowed", "")
	}

	if !validUsername(claims.Username) {
		return deny(http.StatusForbidden, "identity has an empty or malformed username", "")
	}
	return allow()
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, item := range a {
		set[item] = struct{}{}
	}
	for _, item := range b {
		if _, ok := set[item]; ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, item string) bool {
	for _, candidate := range list {
		if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(item)) {
			return true
		}
	}
	return false
}

func validUsername(username string) bool {
	username = strings.TrimSpace(username)
	if username == "" {
		return false
	}
	for _, r := range username {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
