package signal

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceagles/receipt-tracker/internal/driver"
	"github.com/ceagles/receipt-tracker/internal/ratecontrol"
)

func TestClassify_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClassifier()

	tests := []struct {
		name string
		page Page
		want Class
		rule string
	}{
		{
			name: "plain page",
			page: Page{URL: "https://shop.example.com/orders", Status: 200, HTML: "<body><div class='receipt'>ok</div></body>"},
			want: ClassNone,
		},
		{
			name: "cloudflare header on 403",
			page: Page{Status: 403, Header: http.Header{"Cf-Ray": []string{"abc"}}},
			want: ClassBlocked,
			rule: "cloudflare_block",
		},
		{
			name: "cloudflare header on 200 is not a block",
			page: Page{Status: 200, Header: http.Header{"Cf-Ray": []string{"abc"}}, HTML: "<body>fine</body>"},
			want: ClassNone,
		},
		{
			name: "challenge markup",
			page: Page{Status: 200, HTML: `<body><div id="cf-browser-verification"></div></body>`},
			want: ClassBlocked,
			rule: "cloudflare_challenge",
		},
		{
			name: "captcha iframe",
			page: Page{Status: 200, HTML: `<body><iframe src="https://www.google.com/recaptcha/api2"></iframe></body>`},
			want: ClassBlocked,
			rule: "captcha",
		},
		{
			name: "bot phrase in text",
			page: Page{Status: 200, HTML: `<body><h1>Access Denied</h1></body>`},
			want: ClassBlocked,
			rule: "bot_detection",
		},
		{
			name: "bot phrase only in script is ignored",
			page: Page{Status: 200, HTML: `<body><script>if (x) { msg = "access denied" }</script><p>Orders</p></body>`},
			want: ClassNone,
		},
		{
			name: "status 429",
			page: Page{Status: 429},
			want: ClassThrottled,
			rule: "rate_limit_status",
		},
		{
			name: "throttle text",
			page: Page{Status: 200, HTML: `<body>Too many requests, please wait</body>`},
			want: ClassThrottled,
			rule: "rate_limit_text",
		},
		{
			name: "otp input",
			page: Page{Status: 200, HTML: `<body><form><input name="otpCode"></form></body>`},
			want: ClassChallenge,
			rule: "verification",
		},
		{
			name: "redirected to login",
			page: Page{URL: "https://shop.example.com/LogonForm?next=/orders", Status: 200, HTML: "<body>Sign in</body>"},
			want: ClassAuthExpired,
			rule: "login_redirect",
		},
		{
			name: "no results",
			page: Page{URL: "https://shop.example.com/orders", Status: 200, HTML: "<body><p>No receipts found for this period.</p></body>"},
			want: ClassEmpty,
			rule: "no_results",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := c.Classify(tt.page)
			assert.Equal(t, tt.want, m.Class)
			if tt.rule != "" {
				assert.Equal(t, tt.rule, m.Rule)
			}
		})
	}
}

func TestClassify_CustomRulesWin(t *testing.T) {
	t.Parallel()
	c := NewClassifier(Rule{Name: "maintenance", Class: ClassThrottled, Text: []string{"access denied"}})
	m := c.Classify(Page{Status: 200, HTML: "<body>Access denied during maintenance</body>"})
	assert.Equal(t, ClassThrottled, m.Class)
	assert.Equal(t, "maintenance", m.Rule)
	assert.Equal(t, "text:access denied", m.Evidence)
	assert.Len(t, c.Rules(), len(DefaultRules)+1)
}

func TestMatch_RateSignal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ratecontrol.SignalDetection, Match{Class: ClassBlocked}.RateSignal())
	assert.Equal(t, ratecontrol.SignalThrottle, Match{Class: ClassThrottled}.RateSignal())
	assert.Equal(t, ratecontrol.SignalNone, Match{Class: ClassChallenge}.RateSignal())
	assert.Equal(t, ratecontrol.SignalNone, Match{Class: ClassNone}.RateSignal())
}

func TestPageOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Page{}, PageOf(nil))
	p := PageOf(&driver.Snapshot{URL: "u", Status: 201, HTML: "<p>"})
	assert.Equal(t, "u", p.URL)
	assert.Equal(t, 201, p.Status)
}

func TestLoadRules(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: soft_block
    class: blocked
    html: ["px-captcha"]
  - class: empty
    selectors: [".nothing-here"]
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "soft_block", rules[0].Name)
	assert.Equal(t, "custom_empty", rules[1].Name)

	c := NewClassifier(rules...)
	assert.Equal(t, ClassBlocked, c.Classify(Page{HTML: `<div id="px-captcha"></div>`}).Class)
	assert.Equal(t, ClassEmpty, c.Classify(Page{HTML: `<div class="nothing-here"></div>`}).Class)
}

func TestParseRules_Invalid(t *testing.T) {
	t.Parallel()
	_, err := ParseRules([]byte("rules:\n  - name: x\n    class: exploded\n    text: [a]\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules:\n  - name: x\n    class: blocked\n"))
	assert.Error(t, err)

	_, err = ParseRules([]byte("rules: [unterminated"))
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
