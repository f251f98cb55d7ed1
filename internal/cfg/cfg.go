package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds warden's own settings. go-core packages register their own.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey string
	ClaudeModel  string

	DatabaseURL string

	SlackWebhookURL string
	SlackToken      string
	SlackChannel    string

	CaseSourceURL   string
	CaseSourceToken string
	CaseSourceRPS   float64
	PollInterval    time.Duration

	StageConfigFile   string
	Workers           int
	QueueSize         int
	BackoffBase       time.Duration
	MaxBackoff        time.Duration
	MaxRetriesCeiling int

	ExecutionTimeThreshold float64
	SuccessRateThreshold   float64
	ErrorThreshold         int

	IngestConcurrency int
	IngestPageSize    int
	IngestPageDelay   time.Duration

	StuckCeiling     time.Duration
	ReapInterval     time.Duration
	OptimizeInterval time.Duration
	HealthInterval   time.Duration
	BackupInterval   time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted on /api routes (empty = no auth)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude analyst (empty = every case goes to a human)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres://... or sqlite://path (empty = in-memory store)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook URL for notifications")
	fs.StringVar(&c.SlackToken, "slack-token", "", "Slack bot token, used with -slack-channel when no webhook is set")
	fs.StringVar(&c.SlackChannel, "slack-channel", "", "Slack channel id for bot token notifications")

	fs.StringVar(&c.CaseSourceURL, "case-source-url", "", "case management API root, e.g. https://cases.example.com/connect/api/v1")
	fs.StringVar(&c.CaseSourceToken, "case-source-token", "", "bearer token for the case management API")
	fs.Float64Var(&c.CaseSourceRPS, "case-source-rps", 5, "max requests per second to the case management API (0 = unlimited)")
	fs.DurationVar(&c.PollInterval, "poll-interval", time.Minute, "how often to poll the case source for new cases (0 = never)")

	fs.StringVar(&c.StageConfigFile, "stage-config", "", "YAML file with per-stage timeout_seconds, max_retries and backoff_factor")
	fs.IntVar(&c.Workers, "workers", 4, "workflows processed concurrently (1..64)")
	fs.IntVar(&c.QueueSize, "queue-size", 256, "workflows waiting for a worker (1..100000)")
	fs.DurationVar(&c.BackoffBase, "backoff-base", time.Second, "retry delay unit multiplied by backoff_factor^attempt")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", 5*time.Minute, "ceiling on a single retry delay")
	fs.IntVar(&c.MaxRetriesCeiling, "max-retries-ceiling", 10, "highest max_retries the optimizer may set (0 = no ceiling)")

	fs.Float64Var(&c.ExecutionTimeThreshold, "execution-time-threshold", 30, "average stage seconds above which the optimizer shortens the timeout")
	fs.Float64Var(&c.SuccessRateThreshold, "success-rate-threshold", 0.95, "stage success rate below which the optimizer adds retries (0..1)")
	fs.IntVar(&c.ErrorThreshold, "error-threshold", 3, "consecutive stage failures that trigger escalation")

	fs.IntVar(&c.IngestConcurrency, "ingest-concurrency", 3, "concurrent alert/observable/activity writes (1..32)")
	fs.IntVar(&c.IngestPageSize, "ingest-page-size", 5, "items fetched per collection page (1..50)")
	fs.DurationVar(&c.IngestPageDelay, "ingest-page-delay", time.Second, "pause between collection pages")

	fs.DurationVar(&c.StuckCeiling, "stuck-ceiling", 30*time.Minute, "time in one stage after which a workflow is reaped")
	fs.DurationVar(&c.ReapInterval, "reap-interval", time.Minute, "how often to sweep for stuck workflows")
	fs.DurationVar(&c.OptimizeInterval, "optimize-interval", 5*time.Minute, "how often to tune stage configs")
	fs.DurationVar(&c.HealthInterval, "health-interval", time.Minute, "how often to check agent health")
	fs.DurationVar(&c.BackupInterval, "backup-interval", 5*time.Minute, "how often to snapshot agent state")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if err := validateDatabaseURL(c.DatabaseURL); err != nil {
		errs = append(errs, err)
	}

	if (c.SlackToken == "") != (c.SlackChannel == "") {
		errs = append(errs, errors.New("SLACK_TOKEN and SLACK_CHANNEL must be set together"))
	}

	if c.CaseSourceURL != "" {
		if u, err := url.Parse(c.CaseSourceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid CASE_SOURCE_URL %q (must be http(s)://host/...)", c.CaseSourceURL))
		}
	}
	if c.CaseSourceRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid CASE_SOURCE_RPS %g (must be >= 0)", c.CaseSourceRPS))
	}

	if c.Workers < 1 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.QueueSize < 1 || c.QueueSize > 100000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..100000)", c.QueueSize))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("invalid BACKOFF_BASE %s (must be > 0)", c.BackoffBase))
	}
	if c.MaxBackoff < c.BackoffBase {
		errs = append(errs, fmt.Errorf("MAX_BACKOFF %s must not be below BACKOFF_BASE %s", c.MaxBackoff, c.BackoffBase))
	}
	if c.MaxRetriesCeiling < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_RETRIES_CEILING %d (must be >= 0)", c.MaxRetriesCeiling))
	}

	if c.ExecutionTimeThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid EXECUTION_TIME_THRESHOLD %g (must be > 0)", c.ExecutionTimeThreshold))
	}
	if c.SuccessRateThreshold < 0 || c.SuccessRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid SUCCESS_RATE_THRESHOLD %g (must be 0..1)", c.SuccessRateThreshold))
	}
	if c.ErrorThreshold < 1 {
		errs = append(errs, fmt.Errorf("invalid ERROR_THRESHOLD %d (must be >= 1)", c.ErrorThreshold))
	}

	if c.IngestConcurrency < 1 || c.IngestConcurrency > 32 {
		errs = append(errs, fmt.Errorf("invalid INGEST_CONCURRENCY %d (must be 1..32)", c.IngestConcurrency))
	}
	if c.IngestPageSize < 1 || c.IngestPageSize > 50 {
		errs = append(errs, fmt.Errorf("invalid INGEST_PAGE_SIZE %d (must be 1..50)", c.IngestPageSize))
	}
	if c.IngestPageDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid INGEST_PAGE_DELAY %s (must be >= 0)", c.IngestPageDelay))
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"STUCK_CEILING", c.StuckCeiling},
		{"REAP_INTERVAL", c.ReapInterval},
		{"OPTIMIZE_INTERVAL", c.OptimizeInterval},
		{"HEALTH_INTERVAL", c.HealthInterval},
		{"BACKUP_INTERVAL", c.BackupInterval},
	} {
		if d.val < time.Second {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be >= 1s)", d.name, d.val))
		}
	}
	if c.PollInterval < 0 || (c.PollInterval > 0 && c.PollInterval < time.Second) {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be 0 or >= 1s)", c.PollInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StoreKind is the persistence backend selected by DatabaseURL.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// Store returns the backend and, for sqlite, the database file path.
func (c *Config) Store() (StoreKind, string) {
	switch {
	case c.DatabaseURL == "":
		return StoreMemory, ""
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return StoreSQLite, strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	default:
		return StorePostgres, c.DatabaseURL
	}
}

func validateDatabaseURL(s string) error {
	switch {
	case s == "":
		return nil
	case strings.HasPrefix(s, "sqlite://"):
		if strings.TrimPrefix(s, "sqlite://") == "" {
			return errors.New("invalid DATABASE_URL: sqlite:// needs a file path")
		}
		return nil
	case strings.HasPrefix(s, "postgres://"), strings.HasPrefix(s, "postgresql://"):
		return nil
	}
	return fmt.Errorf("invalid DATABASE_URL scheme (must be postgres://, postgresql:// or sqlite://)")
}
