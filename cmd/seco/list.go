package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/guseggert/seco/control"
	"github.com/urfave/cli/v2"
)

func newListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list running instances",
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			instances, err := e.dir.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tALIASES\tENDPOINT")
			for _, inst := range instances {
				fmt.Fprintf(w, "%d\t%s\t%s\n", inst.PID, strings.Join(inst.Aliases, ","), inst.Path)
			}
			return w.Flush()
		},
	}
}

func newInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "describe an instance through its HTTP gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "id",
				Usage: "The instance id. Defaults to the only running instance.",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			client := control.NewGatewayClient(e.dir, control.WithGatewayClientLogger(e.logger))
			resp, err := client.Instance(c.Context, c.String("id"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("querying instance: %s", err), 1)
			}
			fmt.Printf("ID: %s\nPID: %d\nEndpoint: %s\n", resp.ID, resp.PID, resp.Endpoint)
			return nil
		},
	}
}
