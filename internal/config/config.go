package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~mariusor/lw"
	vocab "github.com/go-ap/activitypub"
	"github.com/go-ap/errors"
	"github.com/joho/godotenv"
)

var Prefix = "chamsae"

// BackendConfig holds the PostgreSQL connection parameters.
type BackendConfig struct {
	Host string
	Port int64
	User string
	Pw   string
	Name string
}

func (b BackendConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s", b.Host, b.Port, b.User, b.Pw, b.Name)
}

type Options struct {
	AppName  string
	Version  string
	Env      EnvType
	LogLevel lw.Level
	TimeOut  time.Duration

	// Domain is the public host of this instance, used to derive every
	// canonical IRI the node publishes.
	Domain string
	Listen string

	DB BackendConfig

	UserHandle         string
	UserPasswordBcrypt string
	PublicKeyPath      string
	PrivateKeyPath     string

	BaseURL  string
	ActorIRI vocab.IRI
	InboxIRI vocab.IRI
}

type EnvType string

const (
	TEST EnvType = "test"
	DEV  EnvType = "dev"
	PROD EnvType = "prod"
)

var Types = []EnvType{TEST, DEV, PROD}

func ValidEnv(e EnvType) bool {
	for _, typ := range Types {
		if strings.ToLower(string(e)) == string(typ) {
			return true
		}
	}
	return false
}

func (e EnvType) IsDev() bool {
	return e == DEV
}

func (e EnvType) IsTest() bool {
	return e == TEST
}

const (
	KeyENV      = "ENV"
	KeyTimeOut  = "TIME_OUT"
	KeyLogLevel = "LOG_LEVEL"

	KeyDomain     = "DOMAIN"
	KeyListenAddr = "LISTEN_ADDR"

	KeyDBHost = "DATABASE_HOST"
	KeyDBPort = "DATABASE_PORT"
	KeyDBUser = "DATABASE_USER"
	KeyDBPw   = "DATABASE_PASSWORD"
	KeyDBName = "DATABASE_DATABASE"

	KeyUserHandle         = "USER_HANDLE"
	KeyUserPasswordBcrypt = "USER_PASSWORD_BCRYPT"
	KeyUserPublicKeyPath  = "USER_PUBLIC_KEY_PATH"
	KeyUserPrivateKeyPath = "USER_PRIVATE_KEY_PATH"
)

func prefKey(k string) string {
	if Prefix == "" {
		return k
	}
	return strings.Join([]string{strings.ToUpper(Prefix), k}, "_")
}

func Getval(name, def string) string {
	val := def
	if pf := os.Getenv(prefKey(name)); len(pf) > 0 {
		val = pf
	}
	if p := os.Getenv(name); len(p) > 0 {
		val = p
	}
	return val
}

func findConfigs(e EnvType) []string {
	configs := make([]string, 0)
	envFiles := []string{".env"}
	if ValidEnv(e) {
		envFiles = append(envFiles, fmt.Sprintf(".env.%s", e))
	}
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			configs = append(configs, envFile)
		}
	}
	return configs
}

// Load reads the node configuration from .env overlays and the environment.
func Load(e EnvType, timeOut time.Duration) (Options, error) {
	if !ValidEnv(e) {
		e = EnvType(Getval(KeyENV, string(DEV)))
	}

	if configs := findConfigs(e); len(configs) > 0 {
		if err := godotenv.Overload(configs...); err != nil {
			return Options{}, err
		}
	}

	opts := LoadFromEnv()
	opts.Env = e
	if timeOut > 0 {
		opts.TimeOut = timeOut
	}

	return opts, validateOptions(opts)
}

func validateOptions(opts Options) error {
	if opts.Domain == "" {
		return errors.Errorf("missing required %s", KeyDomain)
	}
	if opts.UserHandle == "" {
		return errors.Errorf("missing required %s", KeyUserHandle)
	}
	if opts.Listen == "" {
		return errors.Errorf("invalid listen socket")
	}
	return nil
}

func LoadFromEnv() Options {
	conf := Options{AppName: Prefix}

	switch strings.ToLower(Getval(KeyLogLevel, "")) {
	case "none":
		conf.LogLevel = lw.NoLevel
	case "trace":
		conf.LogLevel = lw.TraceLevel
	case "debug":
		conf.LogLevel = lw.DebugLevel
	case "warn":
		conf.LogLevel = lw.WarnLevel
	case "error":
		conf.LogLevel = lw.ErrorLevel
	case "info":
		fallthrough
	default:
		conf.LogLevel = lw.InfoLevel
	}

	conf.Env = EnvType(Getval(KeyENV, string(DEV)))
	conf.TimeOut = 0
	if to, _ := time.ParseDuration(Getval(KeyTimeOut, "")); to > 0 {
		conf.TimeOut = to
	}

	conf.Domain = Getval(KeyDomain, "")
	conf.Listen = Getval(KeyListenAddr, "0.0.0.0:3000")

	conf.DB.Host = Getval(KeyDBHost, "localhost")
	conf.DB.Port, _ = strconv.ParseInt(Getval(KeyDBPort, "5432"), 10, 32)
	conf.DB.User = Getval(KeyDBUser, "postgres")
	conf.DB.Pw = Getval(KeyDBPw, "chamsae")
	conf.DB.Name = Getval(KeyDBName, "postgres")

	conf.UserHandle = Getval(KeyUserHandle, "")
	conf.UserPasswordBcrypt = Getval(KeyUserPasswordBcrypt, "")
	conf.PublicKeyPath = Getval(KeyUserPublicKeyPath, "")
	conf.PrivateKeyPath = Getval(KeyUserPrivateKeyPath, "")

	conf.BaseURL = fmt.Sprintf("https://%s", conf.Domain)
	conf.ActorIRI = vocab.IRI(fmt.Sprintf("%s/ap/user", conf.BaseURL))
	conf.InboxIRI = vocab.IRI(fmt.Sprintf("%s/ap/inbox", conf.BaseURL))

	return conf
}
