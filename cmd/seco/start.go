package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/guseggert/seco/commands"
	"github.com/guseggert/seco/control"
	"github.com/urfave/cli/v2"
)

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run an instance until interrupted or told to exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "The instance id. Defaults to the process id.",
			},
			&cli.BoolFlag{
				Name:  "http",
				Usage: "Also serve the HTTP gateway next to the instance socket.",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()
			log := e.logger.Sugar()

			id := c.String("id")
			if id == "" {
				id = strconv.Itoa(os.Getpid())
			}

			handler := commands.NewHandler(id, commands.NewStore(), commands.WithLogger(e.logger))
			listener := control.NewListener(e.dir, id, handler,
				control.WithLogger(e.logger),
				control.WithPollInterval(e.cfg.PollInterval),
				control.WithReadTimeout(e.cfg.ReadTimeout),
				control.WithWriteTimeout(e.cfg.WriteTimeout),
			)
			if err := listener.Start(); err != nil {
				return fmt.Errorf("starting listener: %w", err)
			}
			defer func() {
				if err := listener.Stop(); err != nil {
					log.Warnf("stopping listener: %s", err)
				}
			}()

			if e.cfg.HTTPGateway || c.Bool("http") {
				gateway := control.NewGateway(listener, control.WithGatewayLogger(e.logger))
				if err := gateway.Start(); err != nil {
					return fmt.Errorf("starting gateway: %w", err)
				}
				defer func() {
					if err := gateway.Stop(); err != nil {
						log.Warnf("stopping gateway: %s", err)
					}
				}()
			}

			fmt.Printf("Id: %s\n", listener.ID())

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case <-ctx.Done():
				log.Info("interrupted, shutting down")
			case <-listener.Terminated():
				log.Info("exit requested, shutting down")
			}
			return nil
		},
	}
}
