package dispatch

import (
	"fmt"
	"time"
)

// ProviderKind names a family of external providers sharing a key pool.
type ProviderKind string

// CredentialState is the availability of one credential.
type CredentialState string

// Credential states.
const (
	CredentialActive      CredentialState = "active"
	CredentialRateLimited CredentialState = "rate_limited"
	CredentialExhausted   CredentialState = "exhausted"
)

// Pool is an ordered list of keys for one provider kind.
type Pool struct {
	Kind ProviderKind
	Keys []string
}

// Credential is what a Caller receives for one attempt.
type Credential struct {
	ID     string
	Kind   ProviderKind
	Secret string
}

// Suffix returns the last four characters of the secret for display.
func (c Credential) Suffix() string {
	if len(c.Secret) <= 4 {
		return "****"
	}
	return "..." + c.Secret[len(c.Secret)-4:]
}

// CredentialStatus is a read-only snapshot of one credential record.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type CredentialStatus struct {
	ID           string          `json:"id"`
	Kind         ProviderKind    `json:"kind"`
	Suffix       string          `json:"suffix"`
	State        CredentialState `json:"state"`
	LimitedUntil time.Time       `json:"limited_until,omitempty"`
	ExhaustedAt  time.Time       `json:"exhausted_at,omitempty"`
	Requests     int64           `json:"requests"`
	Successes    int64           `json:"successes"`
	Failures     int64           `json:"failures"`
	QuotaErrors  int64           `json:"quota_errors"`
}

// credentialRecord is mutated only by the Dispatcher while holding its lock.
type credentialRecord struct {
	cred         Credential
	state        CredentialState
	limitedUntil time.Time
	exhaustedAt  time.Time

	requests    int64
	successes   int64
	failures    int64
	quotaErrors int64
}

func newPool(p Pool) ([]*credentialRecord, error) {
	if len(p.Keys) == 0 {
		return nil, fmt.Errorf("dispatch: provider %q has no credentials", p.Kind)
	}
	records := make([]*credentialRecord, 0, len(p.Keys))
	for i, key := range p.Keys {
		records = append(records, &credentialRecord{
			cred: Credential{
				ID:     fmt.Sprintf("%s-%d", p.Kind, i+1),
				Kind:   p.Kind,
				Secret: key,
			},
			state: CredentialActive,
		})
	}
	return records, nil
}

// refresh applies time-based transitions back to active.
func (r *credentialRecord) refresh(now time.Time, quotaReset time.Duration) {
	switch r.state {
	case CredentialRateLimited:
		if !now.Before(r.limitedUntil) {
			r.state = CredentialActive
			r.limitedUntil = time.Time{}
		}
	case CredentialExhausted:
		if quotaReset > 0 && !now.Before(r.exhaustedAt.Add(quotaReset)) {
			r.state = CredentialActive
			r.exhaustedAt = time.Time{}
		}
	}
}

// availableAt is the earliest time the record can become active.
func (r *credentialRecord) availableAt(quotaReset time.Duration) time.Time {
	switch r.state {
	case CredentialRateLimited:
		return r.limitedUntil
	case CredentialExhausted:
		return r.exhaustedAt.Add(quotaReset)
	default:
		return time.Time{}
	}
}

func (r *credentialRecord) status() CredentialStatus {
	return CredentialStatus{
		ID:           r.cred.ID,
		Kind:         r.cred.Kind,
		Suffix:       r.cred.Suffix(),
		State:        r.state,
		LimitedUntil: r.limitedUntil,
		ExhaustedAt:  r.exhaustedAt,
		Requests:     r.requests,
		Successes:    r.successes,
		Failures:     r.failures,
		QuotaErrors:  r.quotaErrors,
	}
}
