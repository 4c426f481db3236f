package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"    // time parses duration values

	"github.com/joho/godotenv" // optional .env file loading for local development
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.  The types reflect how the values are used in
// the application: strings for identifiers and secrets, ints and durations
// for limits and retry budgets.
type Config struct {
	Env               string        // application environment (e.g. "dev", "prod")
	Port              string        // HTTP port to listen on
	DBUser            string        // database username
	DBPass            string        // database password (optional)
	DBHost            string        // database host address
	DBPort            string        // database port number
	DBName            string        // database name
	JWTSecret         string        // secret used to sign admin JWTs
	AccessTTLMin      int           // access token time-to-live in minutes
	AdminEmail        string        // the operator account allowed to log in
	AdminPasswordHash string        // bcrypt hash of the operator password
	TreasuryAddress   string        // on-chain destination all payments must reach
	ChainConfigPath   string        // path to the chain registry JSON file
	PaymentBaseURL    string        // public base URL used in approval email links
	RabbitURL         string        // AMQP broker URL for notification events
	VerifyAttempts    int           // receipt poll attempts before giving up
	VerifyDelay       time.Duration // pause between receipt poll attempts
	VerifyWorkers     int           // concurrent verifier workers
}

// Load reads configuration values from environment variables and returns a
// Config.  A .env file in the working directory is applied first when
// present.  Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message.
func Load() Config {
	_ = godotenv.Load() // absent .env is fine; real env wins anyway

	return Config{
		Env:               must("APP_ENV"),
		Port:              must("APP_PORT"),
		DBUser:            must("DB_USER"),
		DBPass:            os.Getenv("DB_PASS"), // empty allowed
		DBHost:            must("DB_HOST"),
		DBPort:            must("DB_PORT"),
		DBName:            must("DB_NAME"),
		JWTSecret:         must("JWT_SECRET"),
		AccessTTLMin:      mustInt("ACCESS_TOKEN_TTL_MIN"),
		AdminEmail:        must("ADMIN_EMAIL"),
		AdminPasswordHash: must("ADMIN_PASSWORD_HASH"),
		TreasuryAddress:   must("TREASURY_ADDRESS"),
		ChainConfigPath:   must("CHAIN_CONFIG_PATH"),
		PaymentBaseURL:    envStr("PAYMENT_BASE_URL", "http://localhost:3000"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"), // empty falls back to local broker
		VerifyAttempts:    envInt("VERIFY_ATTEMPTS", 10),
		VerifyDelay:       envDur("VERIFY_DELAY", 3*time.Second),
		VerifyWorkers:     envInt("VERIFY_WORKERS", 4),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
// If conversion fails, the application logs a fatal error and exits.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
		return dur
	}
	return d
}
