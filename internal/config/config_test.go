package config

import (
	"fmt"
	"testing"
	"time"

	"git.sr.ht/~mariusor/lw"
)

const (
	domain = "social.example"
	listen = "127.0.0.3:666"
	dbHost = "127.0.0.6"
	dbPort = 54321
	dbName = "test"
	dbUser = "test"
	dbPw   = "pw123+-098"
	handle = "owner"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(KeyDBHost, dbHost)
	t.Setenv(KeyDBPort, fmt.Sprintf("%d", dbPort))
	t.Setenv(KeyDBName, dbName)
	t.Setenv(KeyDBUser, dbUser)
	t.Setenv(KeyDBPw, dbPw)

	t.Setenv(KeyDomain, domain)
	t.Setenv(KeyLogLevel, "warn")
	t.Setenv(KeyListenAddr, listen)
	t.Setenv(KeyUserHandle, handle)

	c, err := Load(TEST, time.Second)
	if err != nil {
		t.Errorf("Error loading env: %s", err)
	}
	if c.DB.Host != dbHost {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyDBHost, c.DB.Host, dbHost)
	}
	if c.DB.Port != dbPort {
		t.Errorf("Invalid loaded value for %s: %d, expected %d", KeyDBPort, c.DB.Port, dbPort)
	}
	if c.DB.Name != dbName {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyDBName, c.DB.Name, dbName)
	}
	if c.DB.User != dbUser {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyDBUser, c.DB.User, dbUser)
	}
	if c.DB.Pw != dbPw {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyDBPw, c.DB.Pw, dbPw)
	}
	if c.Domain != domain {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyDomain, c.Domain, domain)
	}
	if c.Listen != listen {
		t.Errorf("Invalid loaded value for %s: %s, expected %s", KeyListenAddr, c.Listen, listen)
	}
	if c.LogLevel != lw.WarnLevel {
		t.Errorf("Invalid loaded log level: %d, expected %d", c.LogLevel, lw.WarnLevel)
	}
	if c.Env != TEST {
		t.Errorf("Invalid loaded env: %s, expected %s", c.Env, TEST)
	}
	if c.TimeOut != time.Second {
		t.Errorf("Invalid timeout: %s, expected %s", c.TimeOut, time.Second)
	}

	baseURL := fmt.Sprintf("https://%s", domain)
	if c.BaseURL != baseURL {
		t.Errorf("Invalid derived base URL: %s, expected %s", c.BaseURL, baseURL)
	}
	if string(c.ActorIRI) != baseURL+"/ap/user" {
		t.Errorf("Invalid derived actor IRI: %s", c.ActorIRI)
	}
	if string(c.InboxIRI) != baseURL+"/ap/inbox" {
		t.Errorf("Invalid derived inbox IRI: %s", c.InboxIRI)
	}

	dsn := c.DB.DSN()
	want := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s", dbHost, dbPort, dbUser, dbPw, dbName)
	if dsn != want {
		t.Errorf("Invalid DSN: %s, expected %s", dsn, want)
	}
}

func TestLoadRejectsMissingDomain(t *testing.T) {
	t.Setenv(KeyDomain, "")
	t.Setenv(KeyUserHandle, handle)
	if _, err := Load(TEST, time.Second); err == nil {
		t.Errorf("Load should fail without %s", KeyDomain)
	}
}

func TestValidEnv(t *testing.T) {
	for _, e := range Types {
		if !ValidEnv(e) {
			t.Errorf("%s should be a valid env", e)
		}
	}
	if ValidEnv("staging") {
		t.Errorf("staging should not be a valid env")
	}
}

func TestPrefKey(t *testing.T) {
	saved := Prefix
	defer func() { Prefix = saved }()

	Prefix = "chamsae"
	if k := prefKey(KeyDomain); k != "CHAMSAE_DOMAIN" {
		t.Errorf("Invalid prefixed key: %s", k)
	}
	Prefix = ""
	if k := prefKey(KeyDomain); k != KeyDomain {
		t.Errorf("Invalid unprefixed key: %s", k)
	}
}
