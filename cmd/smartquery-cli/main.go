// Command smartquery-cli is an operator tool for the smart query core: run
// ad-hoc queries against a configured backend, inspect engine stats and
// health, and clear the result cache.
package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	Config string `name:"config" short:"c" help:"Path to the YAML configuration file." default:"smartquery.yaml"`

	Query      queryCmd      `cmd:"" help:"Execute a query and print the resulting data set."`
	Stats      statsCmd      `cmd:"" help:"Print engine operational statistics."`
	Health     healthCmd     `cmd:"" help:"Print backend and cache health."`
	ClearCache clearCacheCmd `cmd:"" help:"Drop all cached query results."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("smartquery-cli"),
		kong.Description("Operator CLI for the smart query core."),
		kong.UsageOnError(),
	)

	eng, closeFn, err := bootstrap(cli.Config)
	kctx.FatalIfErrorf(err)
	defer closeFn()

	err = kctx.Run(eng)
	kctx.FatalIfErrorf(err)
}
