// Command catalina-mux is the net core's tunnel binary: it listens on a
// port (range) and relays every accepted connection to a fixed target,
// optionally sealing the link with one of netsvc's cipher suites. It
// plays the role the teacher's client/server binaries play for kcptun,
// built directly on the Service/Consumer API instead of kcp-go+smux.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/hcfw/catalina/collab"
	"github.com/hcfw/catalina/netsvc"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "catalina-mux"
	app.Usage = "multiplexed TCP/UDP relay"
	app.Version = VERSION
	app.Flags = append(netsvc.Flags(),
		cli.StringFlag{
			Name:  "proto",
			Value: "tcp",
			Usage: "tcp or udp",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress per-session open/close logging",
		},
		cli.StringFlag{
			Name:  "banner",
			Usage: "path to a file streamed to every client once its session opens on the client's first bytes, before any relayed bytes",
		},
	)
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, listen, target, key, crypt, err := netsvc.ConfigFromCLI(c)
	if err != nil {
		return err
	}
	quiet := c.Bool("quiet")
	logger := collab.NewStdLogger(quiet)

	proto := netsvc.ProtocolTCP
	if c.String("proto") == "udp" {
		proto = netsvc.ProtocolUDP
	}

	cipher, effective, err := netsvc.SelectCipher(crypt, key)
	if err != nil {
		return err
	}
	logger.Info("catalina-mux: starting", "listen", listen, "target", target, "crypt", effective, "proto", proto.String())

	svc, err := netsvc.New(cfg, logger)
	if err != nil {
		return err
	}
	svc.SetCipher(cipher)

	mp, err := netsvc.ParsePortRange(listen)
	if err != nil {
		return err
	}

	banner := c.String("banner")

	for _, port := range mp.Ports() {
		server := &relayServer{
			svc:        svc,
			listenPort: port,
			protocol:   proto,
			target:     target,
			logger:     logger,
			quiet:      quiet,
			banner:     banner,
		}
		if proto == netsvc.ProtocolUDP {
			err = svc.ListenUDP(server)
		} else {
			err = svc.ListenTCP(server)
		}
		if err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("catalina-mux: listening on :%d/%s", port, proto))
	}

	waitForShutdown(svc, logger)
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drives the net core's
// graceful shutdown sequence before returning.
func waitForShutdown(svc *netsvc.Service, logger collab.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("catalina-mux: shutting down")
	if err := svc.Shutdown(); err != nil {
		logger.Error("catalina-mux: shutdown error", "err", err.Error())
	}
}
