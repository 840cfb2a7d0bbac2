package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/seco/control"
	"github.com/urfave/cli/v2"
)

func newControlCommand() *cli.Command {
	return &cli.Command{
		Name:      "control",
		Usage:     "send a command to a running instance",
		ArgsUsage: "COMMAND [ARGS...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "The instance id. Defaults to the only running instance.",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the instance to come up.",
			},
			&cli.BoolFlag{
				Name:  "http",
				Usage: "Go through the instance's HTTP gateway instead of its socket.",
			},
			&cli.BoolFlag{
				Name:  "buffered",
				Usage: "With --http, collect the whole output before printing it.",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := c.String("id")
			args := c.Args().Slice()

			if c.Bool("buffered") {
				if !c.Bool("http") {
					return cli.Exit("--buffered requires --http", 1)
				}
				client := control.NewGatewayClient(e.dir, control.WithGatewayClientLogger(e.logger))
				resp, err := client.Post(ctx, id, args)
				if err != nil {
					return cli.Exit(fmt.Sprintf("sending command: %s", err), 1)
				}
				fmt.Print(resp.Output)
				return exitWith(resp.ExitCode)
			}

			opts := []control.ClientOption{
				control.WithClientLogger(e.logger),
				control.WithClientReadTimeout(e.cfg.ClientTimeout),
				control.WithWaitTimeout(c.Duration("wait")),
			}
			if c.Bool("http") {
				opts = append(opts, control.WithDialer(control.GatewayDialer()))
			}
			client := control.NewClient(e.dir, opts...)
			code, err := client.Send(ctx, id, args, func(chunk []byte) {
				os.Stdout.Write(chunk)
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("sending command: %s", err), 1)
			}
			return exitWith(int(code))
		},
	}
}

func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return cli.Exit("", code)
}
