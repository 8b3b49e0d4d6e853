// Package config defines the daemon's local configuration surface,
// parsed with jessevdk/go-flags the way the teacher's cmd/*/main.go
// binaries do. Only the fields spec.md §6 calls out are modeled; the
// full CLI command tree (subcommands, shell completion, etc.) is left
// external per spec.md §1's CLI-surface Non-goal.
package config

import "time"

// Config is the top-level daemon configuration object.
type Config struct {
	Market struct {
		MeanCyclicBcastInterval time.Duration `long:"mean-cyclic-bcast-interval" env:"MEAN_CYCLIC_BCAST_INTERVAL" default:"60s" description:"Average interval between cyclic Offer/Demand broadcasts."`
		SyncRetryInterval       time.Duration `long:"sync-retry-interval" env:"SYNC_RETRY_INTERVAL" default:"30s" description:"Interval between Agreement handshake SyncNotif replay sweeps."`
	} `group:"Market" namespace:"market" env-namespace:"MARKET"`

	Task struct {
		IdleAgreementTimeout  time.Duration `long:"idle-agreement-timeout" env:"IDLE_AGREEMENT_TIMEOUT" default:"90s" description:"Time an Approved Agreement may sit with no running Activity before it is broken."`
		ProcessKillTimeout    time.Duration `long:"process-kill-timeout" env:"PROCESS_KILL_TIMEOUT" default:"5s" description:"Grace period before an ExeUnit process is force-killed during destroy."`
		AgreementStoreDays    int           `long:"agreement-store-days" env:"AGREEMENT_STORE_DAYS" default:"90" description:"Days terminal Agreements and their documents are retained before GC."`
	} `group:"Task" namespace:"task" env-namespace:"TASK"`

	Payment struct {
		PaymentMaxProcessed     int           `long:"payment-max-processed" env:"PAYMENT_MAX_PROCESSED" default:"100" description:"Max DebitNotes/Invoices processed per sync-retry sweep."`
		DefaultPaymentPlatform  string        `long:"default-payment-platform" env:"DEFAULT_PAYMENT_PLATFORM" default:"erc20-polygon-glm" description:"Payment platform assumed when a request omits one."`
		SyncRetryInterval       time.Duration `long:"sync-retry-interval" env:"SYNC_RETRY_INTERVAL" default:"30s" description:"Interval between SyncNotif replay sweeps."`
	} `group:"Payment" namespace:"payment" env-namespace:"PAYMENT"`

	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"Minimum logrus level to emit."`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`

	DatabasePath  string `long:"database" env:"DATABASE" default:"yagna.db" description:"Path to the sqlite persistence file."`
	APIListen     string `long:"api-listen" env:"API_LISTEN" default:"127.0.0.1:7465" description:"Address the local API surface binds to."`
	APIAuthSecret string `long:"api-auth-secret" env:"API_AUTH_SECRET" description:"HMAC secret used to verify bearer app-key tokens on the local API; unset disables auth, for local development."`
	NodeID        string `long:"node-id" env:"NODE_ID" description:"Local identity node id this daemon acts as."`
}

// Default returns a Config populated with the same defaults go-flags
// would apply, for use by tests that construct components without
// parsing argv.
func Default() Config {
	var c Config
	c.Market.MeanCyclicBcastInterval = 60 * time.Second
	c.Market.SyncRetryInterval = 30 * time.Second
	c.Task.IdleAgreementTimeout = 90 * time.Second
	c.Task.ProcessKillTimeout = 5 * time.Second
	c.Task.AgreementStoreDays = 90
	c.Payment.PaymentMaxProcessed = 100
	c.Payment.DefaultPaymentPlatform = "erc20-polygon-glm"
	c.Payment.SyncRetryInterval = 30 * time.Second
	c.Log.Level = "info"
	c.DatabasePath = "yagna.db"
	c.APIListen = "127.0.0.1:7465"
	return c
}
