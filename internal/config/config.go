package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer

	Database Database `envPrefix:"DATABASE_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Webhook  Webhook  `envPrefix:"WEBHOOK_"`
	Algod    Algod    `envPrefix:"ALGOD_"`
	Token    Token    `envPrefix:"TOKEN_"`
	Delivery Delivery `envPrefix:"DELIVERY_"`
	Keys     Keys
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"mysql"` // mysql, sqlite
	URL    string `env:"URL,required"`
}

// Redis is optional; an empty address disables the shared memo and monitor lock.
type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD,unset"`
	DB       int    `env:"DB" envDefault:"0"`
}

type Webhook struct {
	Secret    string        `env:"SECRET,required,unset"`
	Tolerance time.Duration `env:"TOLERANCE" envDefault:"5m"`
	Timeout   time.Duration `env:"PROCESS_TIMEOUT" envDefault:"60s"`
}

type Algod struct {
	URL                string        `env:"URL,required"`
	Token              string        `env:"TOKEN,unset"`
	ConfirmationRounds uint64        `env:"CONFIRMATION_ROUNDS" envDefault:"4"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
}

type Token struct {
	AssetID       uint64 `env:"ASSET_ID,required"`
	RouterAppID   uint64 `env:"ROUTER_APP_ID,required"`
	Decimals      uint32 `env:"DECIMALS" envDefault:"0"`
	InitialSupply uint64 `env:"INITIAL_SUPPLY" envDefault:"0"`
	Currency      string `env:"CURRENCY" envDefault:"usd"`
}

type Delivery struct {
	InboxEnabled    bool          `env:"INBOX_ENABLED" envDefault:"true"`
	MaxFunding      uint64        `env:"MAX_FUNDING_MICROALGOS" envDefault:"1000000"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s"`
	MonitorBatch    int           `env:"MONITOR_BATCH" envDefault:"50"`
}

// Keys hold the two operator-controlled signing secrets. Both are removed from
// the process environment once parsed.
type Keys struct {
	OperatorMnemonic string `env:"OPERATOR_MNEMONIC,required,unset"`
	FreezeMnemonic   string `env:"FREEZE_MANAGER_MNEMONIC,required,unset"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
