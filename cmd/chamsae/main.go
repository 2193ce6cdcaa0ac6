package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	chamsae "github.com/XiNiHa/chamsae"
	"github.com/XiNiHa/chamsae/internal/config"
	"github.com/XiNiHa/chamsae/internal/log"
	"github.com/XiNiHa/chamsae/storage/pgx"
)

var version = "HEAD"

type globals struct {
	Wait time.Duration `help:"Duration to wait for existing connections on shutdown." default:"${defaultWait}"`
	Env  string        `help:"Environment to run in: ${envTypes}." default:"${defaultEnv}"`
}

type serveCmd struct{}

type bootstrapCmd struct{}

type cli struct {
	globals

	Serve     serveCmd     `cmd:"" default:"1" help:"Start the federation node."`
	Bootstrap bootstrapCmd `cmd:"" help:"Create the database schema and exit."`
}

func main() {
	c := cli{}
	k := kong.Parse(&c,
		kong.Name("chamsae"),
		kong.Description("single user ActivityPub server (version ${version})"),
		kong.Vars{
			"version":     version,
			"defaultWait": (5 * time.Second).String(),
			"defaultEnv":  string(config.DEV),
			"envTypes":    fmt.Sprintf("%s, %s, %s", config.TEST, config.DEV, config.PROD),
		},
	)

	conf, err := chamsae.Config(c.Env, c.Wait)
	if err != nil {
		k.FatalIfErrorf(err)
	}
	l := log.New(conf.Env.IsDev(), conf.LogLevel)

	ctx := context.Background()
	db, err := pgx.New(ctx, conf.DB, l)
	if err != nil {
		l.Errorf("Unable to open storage: %s", err)
		os.Exit(1)
	}

	switch k.Command() {
	case "bootstrap":
		err = db.Bootstrap(ctx)
		db.Close()
	default:
		if err = db.Bootstrap(ctx); err != nil {
			break
		}
		var n *chamsae.Node
		if n, err = chamsae.New(l, version, conf, db); err == nil {
			err = n.Run(ctx)
		}
	}
	if err != nil {
		l.Errorf("%s", err)
		os.Exit(1)
	}
}
