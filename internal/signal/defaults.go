package signal

// DefaultRules is the built-in taxonomy, evaluated after any custom rules.
// Order matters: blocks and throttling win over challenges, which win over
// session expiry and empty results.
var DefaultRules = []Rule{
	{
		Name:    "cloudflare_block",
		Class:   ClassBlocked,
		Status:  []int{403, 503},
		Headers: map[string]string{"cf-ray": "", "cf-cache-status": "", "server": "cloudflare"},
	},
	{
		Name:  "cloudflare_challenge",
		Class: ClassBlocked,
		HTML:  []string{"cf-browser-verification", "challenge-platform", "cf_chl_opt"},
		Text:  []string{"checking your browser", "verify you are human"},
	},
	{
		Name:      "captcha",
		Class:     ClassBlocked,
		Selectors: []string{"iframe[src*='recaptcha']", "iframe[src*='hcaptcha']", ".g-recaptcha", ".h-captcha", "#captcha"},
		Text:      []string{"captcha"},
	},
	{
		Name:  "bot_detection",
		Class: ClassBlocked,
		Text:  []string{"bot detected", "automated access", "automated requests", "suspicious activity", "access denied", "you have been blocked", "request blocked"},
	},
	{
		Name:   "rate_limit_status",
		Class:  ClassThrottled,
		Status: []int{429},
	},
	{
		Name:  "rate_limit_text",
		Class: ClassThrottled,
		Text:  []string{"too many requests", "rate limit", "slow down", "please try again later"},
	},
	{
		Name:      "verification",
		Class:     ClassChallenge,
		Selectors: []string{"input[name*='otp']", "input[autocomplete='one-time-code']", "input[name*='verificationCode']"},
		Text:      []string{"verification code", "two-step verification", "two-factor", "enter the code", "we sent a code", "verify your identity"},
	},
	{
		Name:  "login_redirect",
		Class: ClassAuthExpired,
		URL:   []string{"/logon", "/signin", "/sign-in", "/login"},
	},
	{
		Name:  "session_expired_text",
		Class: ClassAuthExpired,
		Text:  []string{"your session has expired", "please sign in again"},
	},
	{
		Name:      "no_results",
		Class:     ClassEmpty,
		Selectors: []string{".no-results", ".empty-state"},
		Text:      []string{"no receipts found", "no orders found", "no transactions found", "no purchases found", "you have no receipts"},
	},
}
