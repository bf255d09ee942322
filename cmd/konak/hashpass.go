package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/konakweb/konak/internal/server"
)

// hashpassCommand hashes a password into the stored form used by the
// login table and the auth.logins configuration entries.
func hashpassCommand() *cli.Command {
	return &cli.Command{
		Name:      "hashpass",
		Usage:     "hash a password for the login table",
		ArgsUsage: "<password>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheme",
				Aliases: []string{"s"},
				Usage:   "hash scheme: SHA256, SSHA256, SHA512, SSHA512, CLEARTEXT",
				Value:   "SSHA256",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one password argument")
			}
			scheme := c.String("scheme")
			if !strings.HasPrefix(scheme, "{") {
				scheme = "{" + strings.ToUpper(scheme) + "}"
			}
			hashed, err := server.HashPassword(c.Args().First(), scheme)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, hashed)
			return nil
		},
	}
}
