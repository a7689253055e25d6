package payment

import "time"

// Config holds lifecycle tuning
type Config struct {
	DepositTTL    time.Duration `envconfig:"PAYMENT_DEPOSIT_TTL" default:"30m"`
	RepaymentTTL  time.Duration `envconfig:"PAYMENT_REPAYMENT_TTL" default:"20m"`
	ActivationTTL time.Duration `envconfig:"PAYMENT_ACTIVATION_TTL" default:"10m"`

	DepositMin    int64 `envconfig:"PAYMENT_DEPOSIT_MIN" default:"1000"`
	DepositMax    int64 `envconfig:"PAYMENT_DEPOSIT_MAX" default:"50000000"`
	RepaymentMin  int64 `envconfig:"PAYMENT_REPAYMENT_MIN" default:"1000"`
	RepaymentMax  int64 `envconfig:"PAYMENT_REPAYMENT_MAX" default:"100000000"`
	ActivationFee int64 `envconfig:"PAYMENT_ACTIVATION_FEE" default:"1000"`

	InitiateTimeout  time.Duration `envconfig:"GATEWAY_INITIATE_TIMEOUT" default:"10s"`
	InitiateAttempts int           `envconfig:"GATEWAY_INITIATE_ATTEMPTS" default:"3"`
	InitiateBackoff  time.Duration `envconfig:"GATEWAY_INITIATE_BACKOFF" default:"200ms"`
	ConfirmTimeout   time.Duration `envconfig:"GATEWAY_CONFIRM_TIMEOUT" default:"15s"`

	// ConfirmWait bounds how long a caller waits on another caller's confirmation
	ConfirmWait   time.Duration `envconfig:"PAYMENT_CONFIRM_WAIT" default:"5s"`
	PendingGrace  time.Duration `envconfig:"PAYMENT_PENDING_GRACE" default:"1m"`
	SweepInterval time.Duration `envconfig:"PAYMENT_SWEEP_INTERVAL" default:"30s"`
	SweepBatch    int           `envconfig:"PAYMENT_SWEEP_BATCH" default:"100"`

	// ReturnBaseURL is this service's public base; gateways send users back to its callback routes
	ReturnBaseURL string `envconfig:"PAYMENT_RETURN_BASE_URL" default:"http://localhost:8086"`

	// EnrichFromGateway lets the poller ask the gateway about CONFIRMING intents
	EnrichFromGateway bool `envconfig:"PAYMENT_POLL_ENRICH" default:"false"`
}

// DefaultConfig returns the defaults envconfig would apply
func DefaultConfig() Config {
	return Config{
		DepositTTL:       30 * time.Minute,
		RepaymentTTL:     20 * time.Minute,
		ActivationTTL:    10 * time.Minute,
		DepositMin:       1000,
		DepositMax:       50000000,
		RepaymentMin:     1000,
		RepaymentMax:     100000000,
		ActivationFee:    1000,
		InitiateTimeout:  10 * time.Second,
		InitiateAttempts: 3,
		InitiateBackoff:  200 * time.Millisecond,
		ConfirmTimeout:   15 * time.Second,
		ConfirmWait:      5 * time.Second,
		PendingGrace:     time.Minute,
		SweepInterval:    30 * time.Second,
		SweepBatch:       100,
		ReturnBaseURL:    "http://localhost:8086",
	}
}

// TTL returns the lifetime of a new intent of kind
func (c Config) TTL(kind Kind) time.Duration {
	switch kind {
	case KindRepayment:
		return c.RepaymentTTL
	case KindAccountActivation:
		return c.ActivationTTL
	default:
		return c.DepositTTL
	}
}

// Bounds returns the inclusive amount range for kind
func (c Config) Bounds(kind Kind) (lo, hi int64) {
	switch kind {
	case KindRepayment:
		return c.RepaymentMin, c.RepaymentMax
	case KindAccountActivation:
		return c.ActivationFee, c.ActivationFee
	default:
		return c.DepositMin, c.DepositMax
	}
}

// SuccessURL is where the gateway returns a user who completed checkout
func (c Config) SuccessURL() string {
	return c.ReturnBaseURL + "/payments/callback/success"
}

// FailURL is where the gateway returns a user who cancelled or failed
func (c Config) FailURL() string {
	return c.ReturnBaseURL + "/payments/callback/fail"
}
