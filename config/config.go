package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultPrefix is the environment variable prefix used by Load.
const DefaultPrefix = "WIDGET"

type Poll struct {
	IdleDelay time.Duration `default:"100ms" envconfig:"IDLE_DELAY"`
	Prefix    string        `envconfig:"PREFIX"`
}

type Queue struct {
	WaitTimeSeconds   int32         `default:"20" envconfig:"WAIT_TIME_SECONDS"`
	MaxMessages       int32         `default:"10" envconfig:"MAX_MESSAGES"`
	VisibilityTimeout int32         `default:"0" envconfig:"VISIBILITY_TIMEOUT"`
	ErrorBackoff      time.Duration `default:"250ms" envconfig:"ERROR_BACKOFF"`
}

type Dispatch struct {
	RequestTimeout   time.Duration `default:"30s" envconfig:"REQUEST_TIMEOUT"`
	AckAttempts      int           `default:"1" envconfig:"ACK_ATTEMPTS"`
	AckBaseDelay     time.Duration `default:"100ms" envconfig:"ACK_BASE_DELAY"`
	UnknownType      string        `default:"reject" envconfig:"UNKNOWN_TYPE"`
	StrictAttributes bool          `default:"false" envconfig:"STRICT_ATTRIBUTES"`
}

type Journal struct {
	MaxItems      int           `default:"1000" envconfig:"MAX_ITEMS"`
	FlushInterval time.Duration `default:"1m" envconfig:"FLUSH_INTERVAL"`
	Compression   string        `default:"snappy" envconfig:"COMPRESSION"`
}

type Config struct {
	Poll     Poll
	Queue    Queue
	Dispatch Dispatch
	Journal  Journal
}

func Load() (Config, error) {
	return LoadWithPrefix(DefaultPrefix)
}

func LoadWithPrefix(prefix string) (Config, error) {
	var c Config

	if err := envconfig.Process(prefix, &c); err != nil {
		return Config{}, err
	}

	return c, nil
}
