package config

type SMSConfig struct {
	Provider string        `yaml:"provider"` // twilio, aws_sns
	Twilio   *TwilioConfig `yaml:"twilio"`
	AWSSNS   *AWSSNSConfig `yaml:"aws_sns"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type AWSSNSConfig struct {
	Region string `yaml:"region"`
}

func loadSMSConfig() *SMSConfig {
	return &SMSConfig{
		Provider: getEnv("SMS_PROVIDER", "twilio"),
		Twilio: &TwilioConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
		},
		AWSSNS: &AWSSNSConfig{
			Region: getEnv("AWS_SNS_REGION", "us-east-1"),
		},
	}
}
