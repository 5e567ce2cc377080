package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Manual dispatch triggers run a batch inline; same knobs as the
	// dispatcher so behavior matches either entry point.
	BatchSize int `envconfig:"DISPATCH_BATCH_SIZE" default:"25"`

	Twilio TwilioConfig
	Email  EmailConfig
}

type DispatcherConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	BatchSize        int    `envconfig:"DISPATCH_BATCH_SIZE" default:"25"`
	DispatchInterval string `envconfig:"DISPATCH_INTERVAL" default:"30s"`
	ReclaimInterval  string `envconfig:"RECLAIM_INTERVAL" default:"5m"`
	ClaimLease       string `envconfig:"CLAIM_LEASE" default:"10m"`

	Twilio TwilioConfig
	Email  EmailConfig
}

// TwilioConfig gates the sms channel: with no account SID, sms messages fail
// individually as unconfigured rather than aborting the batch.
type TwilioConfig struct {
	AccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	MessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	FromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	BaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	RPS                 float64 `envconfig:"TWILIO_RPS" default:"5"`
	Burst               int     `envconfig:"TWILIO_BURST" default:"10"`
}

type EmailConfig struct {
	AWSRegion    string  `envconfig:"SES_AWS_REGION"`
	AccessKey    string  `envconfig:"SES_ACCESS_KEY"`
	SecretKey    string  `envconfig:"SES_SECRET_KEY"`
	FromAddress  string  `envconfig:"EMAIL_FROM_ADDRESS"`
	ReplyAddress string  `envconfig:"EMAIL_REPLY_ADDRESS"`
	RPS          float64 `envconfig:"EMAIL_RPS" default:"10"`
	Burst        int     `envconfig:"EMAIL_BURST" default:"20"`
}

func (c TwilioConfig) Configured() bool { return c.AccountSID != "" && c.AuthToken != "" }

func (c EmailConfig) Configured() bool { return c.AWSRegion != "" && c.FromAddress != "" }

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
