package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// MethodCode is the payment method identifier every PayPlus order carries.
// Orders with a different method are outside this service's jurisdiction.
const MethodCode = "payplus_gateway"

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	HTTPAddr string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	RedisAddr string

	Gateway GatewayConfig
	Orders  OrdersConfig
	Sync    SyncConfig
	Email   EmailConfig
}

// GatewayConfig carries PayPlus API credentials and endpoints.
type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	PaymentPageUID string
	Timeout        time.Duration

	// Store-facing URLs handed to the payment page.
	SuccessURL  string
	FailureURL  string
	CancelURL   string
	CallbackURL string
}

// OrdersConfig controls how reconciled results map onto order state/status
// and which payment-page features are requested at link creation.
type OrdersConfig struct {
	CaptureState   string
	CaptureStatus  string
	ApprovalState  string
	ApprovalStatus string

	ChargeMethod           int
	HideOtherChargeMethods bool
	HideIdentificationID   bool
	HidePaymentsField      bool
	SendEmailApproval      bool
	SendEmailFailure       bool
	CreateToken            bool

	// When set, orders whose tax lines are empty are submitted VAT-exempt.
	VATExemptWhenNoTax bool
}

// SyncConfig controls the pending-order re-poll loop.
type SyncConfig struct {
	Enabled           bool
	Interval          time.Duration
	SyncOnCancel      bool
	MaxSyncAttempts   int
	AutoCancelPending bool
	BatchLimit        int
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "payplus"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "payplus"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		RedisAddr: strings.TrimSpace(getenv("REDIS_ADDR", "")),

		Gateway: GatewayConfig{
			BaseURL:        getenv("PAYPLUS_BASE_URL", "https://restapi.payplus.co.il"),
			APIKey:         strings.TrimSpace(getenv("PAYPLUS_API_KEY", "")),
			SecretKey:      strings.TrimSpace(getenv("PAYPLUS_SECRET_KEY", "")),
			PaymentPageUID: strings.TrimSpace(getenv("PAYPLUS_PAYMENT_PAGE_UID", "")),
			Timeout:        getenvDuration("PAYPLUS_TIMEOUT", 15*time.Second),
			SuccessURL:     getenv("STORE_SUCCESS_URL", "/checkout/success"),
			FailureURL:     getenv("STORE_FAILURE_URL", "/checkout/failure"),
			CancelURL:      getenv("STORE_CANCEL_URL", "/checkout/payment"),
			CallbackURL:    getenv("STORE_CALLBACK_URL", ""),
		},

		Orders: OrdersConfig{
			CaptureState:           getenv("ORDER_CAPTURE_STATE", ""),
			CaptureStatus:          getenv("ORDER_CAPTURE_STATUS", ""),
			ApprovalState:          getenv("ORDER_APPROVAL_STATE", ""),
			ApprovalStatus:         getenv("ORDER_APPROVAL_STATUS", ""),
			ChargeMethod:           int(getenvInt64("ORDER_CHARGE_METHOD", 0)),
			HideOtherChargeMethods: getenvBool("PAGE_HIDE_OTHER_METHODS", false),
			HideIdentificationID:   getenvBool("PAGE_HIDE_ID_NUMBER", false),
			HidePaymentsField:      getenvBool("PAGE_HIDE_PAYMENTS", false),
			SendEmailApproval:      getenvBool("PAGE_EMAIL_ON_APPROVAL", false),
			SendEmailFailure:       getenvBool("PAGE_EMAIL_ON_FAILURE", false),
			CreateToken:            getenvBool("VAULT_CREATE_TOKEN", false),
			VATExemptWhenNoTax:     getenvBool("VAT_EXEMPT_WHEN_NO_TAX", false),
		},

		Sync: SyncConfig{
			Enabled:           getenvBool("SYNC_ENABLED", true),
			Interval:          getenvDuration("SYNC_INTERVAL", 5*time.Minute),
			SyncOnCancel:      getenvBool("SYNC_ON_CANCEL", true),
			MaxSyncAttempts:   int(getenvInt64("SYNC_MAX_ATTEMPTS", 5)),
			AutoCancelPending: getenvBool("AUTO_CANCEL_PENDING", false),
			BatchLimit:        int(getenvInt64("SYNC_BATCH_LIMIT", 200)),
		},

		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     int(getenvInt64("SMTP_PORT", 587)),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", ""),
		},
	}

	return cfg
}

// Module wires configuration loading for the application.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
