package policy

import "github.com/wardgate/wardgate/api"

const (
	defaultPriority            = 100
	defaultMaxRequestBodyBytes = 10 * 1024 * 1024
	defaultProfileBodyBytes    = 1024 * 1024
	defaultEntropyMinLength    = 20
	defaultEntropyMinEntropy   = 4.5

	defaultAgentRequestsPerMinute  = 120
	defaultAgentRequestsPerHour    = 3000
	defaultAgentMaxConcurrent      = 20
	defaultDomainRequestsPerMinute = 60
	defaultDomainRequestsPerHour   = 1000
)

// Defaults returns a fully populated effective policy with no documents
// applied. Merging starts from this base so every field is always defined.
func Defaults() *Effective {
	e := &Effective{
		Version:  "1.0",
		Name:     "Unnamed Policy",
		Priority: defaultPriority,
	}

	e.Global.DefaultAction = api.ActionAllow
	e.Global.LogAllRequests = true
	e.Global.IntentAnalysis = false
	e.Global.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	e.Global.NewDomainAction = api.ActionRequireApproval

	e.Secrets.Enabled = true
	e.Secrets.Action = "block"
	e.Secrets.Entropy.Enabled = true
	e.Secrets.Entropy.MinLength = defaultEntropyMinLength
	e.Secrets.Entropy.MinEntropy = defaultEntropyMinEntropy
	e.Secrets.Entropy.Action = "alert"

	e.SensitiveFiles.Enabled = true
	e.SensitiveFiles.Action = "alert"

	e.RateLimits.Enabled = true
	e.RateLimits.PerAgent.RequestsPerMinute = defaultAgentRequestsPerMinute
	e.RateLimits.PerAgent.RequestsPerHour = defaultAgentRequestsPerHour
	e.RateLimits.PerAgent.MaxConcurrent = defaultAgentMaxConcurrent
	e.RateLimits.PerDomain.RequestsPerMinute = defaultDomainRequestsPerMinute
	e.RateLimits.PerDomain.RequestsPerHour = defaultDomainRequestsPerHour

	e.Agents.UnknownAgent.Action = api.ActionRequireApproval
	e.Agents.UnknownAgent.MaxBodyBytes = defaultProfileBodyBytes

	return e
}
