// Command brokerctl is the operator's command-line client for the broker's
// Operator API: login, inspect message/client state, and administer users
// and certificates. Grounded on urfave/cli's Command/Flags/Action shape,
// the same CLI framework the retrieval pack's other standalone CLI tool
// builds on.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/ironpost/broker/internal/opclient"
)

func main() {
	app := cli.NewApp()
	app.Name = "brokerctl"
	app.Usage = "administer an ironpost broker deployment"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "server", EnvVar: "BROKERCTL_SERVER", Usage: "Operator API base URL, e.g. https://broker.example.com:8445"},
		cli.StringFlag{Name: "token", EnvVar: "BROKERCTL_TOKEN", Usage: "bearer access token"},
		cli.BoolFlag{Name: "insecure", Usage: "skip TLS certificate verification"},
	}
	app.Commands = []cli.Command{
		loginCommand(),
		messagesCommand(),
		statsCommand(),
		clientsCommand(),
		usersCommand(),
		certificatesCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func clientFor(c *cli.Context) (*opclient.Client, error) {
	server := c.GlobalString("server")
	if server == "" {
		return nil, fmt.Errorf("--server (or BROKERCTL_SERVER) is required")
	}
	op := opclient.New(server, nil, c.GlobalBool("insecure"))
	if token := c.GlobalString("token"); token != "" {
		op.SetToken(token)
	}
	return op, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func loginCommand() cli.Command {
	return cli.Command{
		Name:  "login",
		Usage: "authenticate and print a token pair",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "email", Usage: "operator email"},
			cli.StringFlag{Name: "password", Usage: "operator password"},
		},
		Action: func(c *cli.Context) error {
			op, err := clientFor(c)
			if err != nil {
				return err
			}
			email := c.String("email")
			password := c.String("password")
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}
			pair, err := op.Login(context.Background(), email, password)
			if err != nil {
				return err
			}
			printJSON(pair)
			return nil
		},
	}
}

func messagesCommand() cli.Command {
	return cli.Command{
		Name:  "messages",
		Usage: "inspect and manage in-flight messages",
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "list messages, optionally filtered by status/client",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "status"},
					cli.StringFlag{Name: "client-id"},
					cli.IntFlag{Name: "page", Value: 1},
					cli.IntFlag{Name: "page-size", Value: 50},
				},
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					out, err := op.ListMessages(context.Background(), c.String("status"), c.String("client-id"), c.Int("page"), c.Int("page-size"))
					if err != nil {
						return err
					}
					printJSON(out)
					return nil
				},
			},
			{
				Name:      "cancel",
				Usage:     "cancel a queued message before delivery",
				ArgsUsage: "<message-id>",
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one message ID")
					}
					if err := op.CancelMessage(context.Background(), c.Args().Get(0)); err != nil {
						return err
					}
					fmt.Println("cancelled")
					return nil
				},
			},
		},
	}
}

func statsCommand() cli.Command {
	return cli.Command{
		Name:  "stats",
		Usage: "print aggregate delivery statistics",
		Action: func(c *cli.Context) error {
			op, err := clientFor(c)
			if err != nil {
				return err
			}
			out, err := op.Stats(context.Background())
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func clientsCommand() cli.Command {
	return cli.Command{
		Name:  "clients",
		Usage: "list registered client identities",
		Subcommands: []cli.Command{
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					out, err := op.ListClients(context.Background())
					if err != nil {
						return err
					}
					printJSON(out)
					return nil
				},
			},
		},
	}
}

func usersCommand() cli.Command {
	return cli.Command{
		Name:  "users",
		Usage: "administer operator accounts",
		Subcommands: []cli.Command{
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					out, err := op.ListUsers(context.Background())
					if err != nil {
						return err
					}
					printJSON(out)
					return nil
				},
			},
			{
				Name: "create",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "email"},
					cli.StringFlag{Name: "password"},
					cli.StringFlag{Name: "role", Value: "user"},
					cli.StringSliceFlag{Name: "linked-client"},
				},
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					id, err := op.CreateUser(context.Background(), c.String("email"), c.String("password"), c.String("role"), c.StringSlice("linked-client"))
					if err != nil {
						return err
					}
					fmt.Println("user_id:", id)
					return nil
				},
			},
			{
				Name:      "delete",
				ArgsUsage: "<user-id>",
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one user ID")
					}
					if err := op.DeleteUser(context.Background(), c.Args().Get(0)); err != nil {
						return err
					}
					fmt.Println("deleted")
					return nil
				},
			},
		},
	}
}

func certificatesCommand() cli.Command {
	return cli.Command{
		Name:  "certificates",
		Usage: "issue, revoke, and list client certificates",
		Subcommands: []cli.Command{
			{
				Name: "list",
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					out, err := op.ListCertificates(context.Background())
					if err != nil {
						return err
					}
					printJSON(out)
					return nil
				},
			},
			{
				Name:  "generate",
				Usage: "sign a CSR, overriding its subject with --cn",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "csr-file", Usage: "path to a PEM-encoded CSR"},
					cli.StringFlag{Name: "cn", Usage: "client identity to bind the certificate to"},
				},
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					csrPath := c.String("csr-file")
					cn := c.String("cn")
					if csrPath == "" || cn == "" {
						return fmt.Errorf("--csr-file and --cn are required")
					}
					data, err := os.ReadFile(csrPath)
					if err != nil {
						return fmt.Errorf("read CSR: %w", err)
					}
					out, err := op.GenerateCertificate(context.Background(), string(data), cn)
					if err != nil {
						return err
					}
					printJSON(out)
					return nil
				},
			},
			{
				Name:      "revoke",
				ArgsUsage: "<serial>",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "reason"},
				},
				Action: func(c *cli.Context) error {
					op, err := clientFor(c)
					if err != nil {
						return err
					}
					if c.NArg() != 1 {
						return fmt.Errorf("expected exactly one certificate serial")
					}
					if err := op.RevokeCertificate(context.Background(), c.Args().Get(0), c.String("reason")); err != nil {
						return err
					}
					fmt.Println("revoked")
					return nil
				},
			},
		},
	}
}
