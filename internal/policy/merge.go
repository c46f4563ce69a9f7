package policy

import "sort"

// Merge folds an ordered set of policy documents into one effective policy.
// Documents are applied in ascending priority order so scalar fields set by a
// higher-priority document win, while list-valued fields (domain lists,
// secret patterns, sensitive paths, agent profiles) are concatenated across
// all documents. The result starts from Defaults, so every field is defined
// even when no document mentions it.
func Merge(loaded []*Loaded) *Effective {
	sorted := make([]*Loaded, len(loaded))
	copy(sorted, loaded)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e := Defaults()

	for _, l := range sorted {
		doc := l.Document
		if doc.Version != "" {
			e.Version = doc.Version
		}
		if doc.Name != "" {
			e.Name = doc.Name
		}
		e.Priority = l.Priority

		applyGlobal(e, doc.Global)
		applyDomains(e, doc.Domains)
		applySecrets(e, doc.Secrets)
		applySensitiveFiles(e, doc.SensitiveFiles)
		applyRateLimits(e, doc.RateLimits)
		applyAgents(e, doc.Agents)
	}

	return e
}

func applyGlobal(e *Effective, g *Global) {
	if g == nil {
		return
	}
	if g.DefaultAction != "" {
		e.Global.DefaultAction = g.DefaultAction
	}
	if g.LogAllRequests != nil {
		e.Global.LogAllRequests = *g.LogAllRequests
	}
	if g.IntentAnalysis != nil {
		e.Global.IntentAnalysis = *g.IntentAnalysis
	}
	if g.MaxRequestBodyBytes != nil {
		e.Global.MaxRequestBodyBytes = *g.MaxRequestBodyBytes
	}
	if g.NewDomainAction != "" {
		e.Global.NewDomainAction = g.NewDomainAction
	}
}

func applyDomains(e *Effective, d *Domains) {
	if d == nil {
		return
	}
	e.Domains.Allowed = append(e.Domains.Allowed, d.Allowed...)
	e.Domains.Denied = append(e.Domains.Denied, d.Denied...)
	e.Domains.RequireApproval = append(e.Domains.RequireApproval, d.RequireApproval...)
	e.Domains.BypassMITM = append(e.Domains.BypassMITM, d.BypassMITM...)
}

func applySecrets(e *Effective, s *Secrets) {
	if s == nil {
		return
	}
	if s.Enabled != nil {
		e.Secrets.Enabled = *s.Enabled
	}
	if s.Action != "" {
		e.Secrets.Action = s.Action
	}
	e.Secrets.Patterns = append(e.Secrets.Patterns, s.Patterns...)

	if ed := s.EntropyDetection; ed != nil {
		if ed.Enabled != nil {
			e.Secrets.Entropy.Enabled = *ed.Enabled
		}
		if ed.MinLength != nil {
			e.Secrets.Entropy.MinLength = *ed.MinLength
		}
		if ed.MinEntropy != nil {
			e.Secrets.Entropy.MinEntropy = *ed.MinEntropy
		}
		if ed.Action != "" {
			e.Secrets.Entropy.Action = ed.Action
		}
	}
}

func applySensitiveFiles(e *Effective, sf *SensitiveFiles) {
	if sf == nil {
		return
	}
	if sf.Enabled != nil {
		e.SensitiveFiles.Enabled = *sf.Enabled
	}
	if sf.Action != "" {
		e.SensitiveFiles.Action = sf.Action
	}
	e.SensitiveFiles.Paths = append(e.SensitiveFiles.Paths, sf.Paths...)
}

func applyRateLimits(e *Effective, rl *RateLimits) {
	if rl == nil {
		return
	}
	if rl.Enabled != nil {
		e.RateLimits.Enabled = *rl.Enabled
	}
	if pa := rl.PerAgent; pa != nil {
		if pa.RequestsPerMinute != nil {
			e.RateLimits.PerAgent.RequestsPerMinute = *pa.RequestsPerMinute
		}
		if pa.RequestsPerHour != nil {
			e.RateLimits.PerAgent.RequestsPerHour = *pa.RequestsPerHour
		}
		if pa.MaxConcurrent != nil {
			e.RateLimits.PerAgent.MaxConcurrent = *pa.MaxConcurrent
		}
	}
	if pd := rl.PerDomain; pd != nil {
		if pd.RequestsPerMinute != nil {
			e.RateLimits.PerDomain.RequestsPerMinute = *pd.RequestsPerMinute
		}
		if pd.RequestsPerHour != nil {
			e.RateLimits.PerDomain.RequestsPerHour = *pd.RequestsPerHour
		}
	}
}

func applyAgents(e *Effective, a *Agents) {
	if a == nil {
		return
	}
	for _, p := range a.Profiles {
		resolved := ResolvedProfile{
			Name:                p.Name,
			ProcessPatterns:     p.ProcessPatterns,
			AllowedDomainsExtra: p.AllowedDomainsExtra,
			MaxBodyBytes:        defaultProfileBodyBytes,
		}
		if resolved.Name == "" {
			resolved.Name = "unknown"
		}
		if p.MaxBodyBytes != nil {
			resolved.MaxBodyBytes = *p.MaxBodyBytes
		}
		e.Agents.Profiles = append(e.Agents.Profiles, resolved)
	}
	if ua := a.UnknownAgent; ua != nil {
		if ua.Action != "" {
			e.Agents.UnknownAgent.Action = ua.Action
		}
		if ua.MaxBodyBytes != nil {
			e.Agents.UnknownAgent.MaxBodyBytes = *ua.MaxBodyBytes
		}
	}
}
