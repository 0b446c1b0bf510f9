// Command catalina-query parses and evaluates a query-language statement
// against JSON-file-backed resources, the way the teacher's client/server
// binaries are thin CLI shells over the net core's Service API — here
// over the query package's Parse/Evaluate pair instead.
package main

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/hcfw/catalina/query"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "catalina-query"
	app.Usage = "evaluate a query-language statement against JSON resources"
	app.Version = VERSION
	app.ArgsUsage = "\"SELECT ...\""
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "dir, d",
			Value: ".",
			Usage: "directory holding <resource>.json files",
		},
		cli.StringSliceFlag{
			Name:  "param, p",
			Usage: "value for the next '?' placeholder, in order, repeatable",
		},
		cli.BoolFlag{
			Name:  "pretty",
			Usage: "indent the JSON result",
		},
		cli.BoolFlag{
			Name:  "default-desc",
			Usage: "treat ORDER BY items with no ASC/DESC suffix as descending",
		},
		cli.StringFlag{
			Name:  "date-format",
			Value: "2006-01-02T15:04:05Z07:00",
			Usage: "Go reference-time layout tried against quoted string literals",
		},
		cli.StringFlag{
			Name:  "cache-name",
			Value: "default",
			Usage: "name tagging this process's evaluator cache in log output",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	text := strings.Join(c.Args(), " ")
	if text == "" {
		return cli.NewExitError("catalina-query: a query string argument is required", 1)
	}

	cfg := query.DefaultConfig()
	cfg.QueryDefaultDescOrder = c.Bool("default-desc")
	cfg.QueryDateFormat = c.String("date-format")
	cfg.QueryEvaluatorsCacheName = c.String("cache-name")

	q, err := query.ParseWithConfig(text, cfg)
	if err != nil {
		return err
	}

	params := make([]any, 0, len(c.StringSlice("param")))
	for _, p := range c.StringSlice("param") {
		params = append(params, coerceParam(p))
	}

	ev := query.NewEvaluator()
	ev.Config = cfg
	ds := fileDataSource{dir: c.String("dir")}
	rows, err := ev.Evaluate(ds, q, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	if c.Bool("pretty") {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(rows)
}

// coerceParam turns a CLI-supplied placeholder value into the narrowest
// type that round-trips it, so "18" compares numerically rather than as
// the string "18" against a numeric field.
func coerceParam(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
