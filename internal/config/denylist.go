package config

// DefaultDenylistDomains returns sensitive domains that are never tracked
// when capture.use_default_denylist is set: banking, password managers,
// identity providers, healthcare and tax portals. Subdomains are matched
// too, so "chase.com" also covers "secure.chase.com".
func DefaultDenylistDomains() []string {
	return []string{
		// Banking & payments
		"chase.com",
		"bankofamerica.com",
		"wellsfargo.com",
		"citi.com",
		"capitalone.com",
		"schwab.com",
		"fidelity.com",
		"paypal.com",
		"venmo.com",

		// Password managers
		"1password.com",
		"lastpass.com",
		"bitwarden.com",
		"dashlane.com",

		// Identity providers
		"accounts.google.com",
		"login.microsoftonline.com",
		"login.live.com",
		"okta.com",
		"auth0.com",

		// Healthcare
		"mychart.com",
		"kp.org",
		"healthcare.gov",

		// Government & tax
		"irs.gov",
		"ssa.gov",
		"login.gov",
		"id.me",
	}
}
