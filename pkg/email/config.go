package email

// Config holds email delivery settings. Without Postmark tokens the binary
// falls back to LogSender so local runs never send real mail.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"BILLING_SENDER_EMAIL" envDefault:"billing@localhost"`
	SupportEmail         string `env:"BILLING_SUPPORT_EMAIL" envDefault:"support@localhost"`
}

// Enabled reports whether Postmark credentials are configured.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != "" && c.PostmarkAccountToken != ""
}
