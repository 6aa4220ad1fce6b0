// Utility for issuing bearer tokens accepted by the bridge's status API

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/neakasa/neakasa-go/pkg/cli"
	"github.com/neakasa/neakasa-go/pkg/server"
)

const helpStr = `
usage: %s [OPTION...] [SUBJECT]
			Prints an HS256 token for SUBJECT (default "neakasa-token").

The token authorizes property writes and service invocations on the status API of a
neakasa-bridge configured with the same secret. The secret is read from server.token_secret in the
configuration file or from $%s.`

func usage() {
	fmt.Printf(helpStr, filepath.Base(os.Args[0]), cli.EnvTokenSecret)
	fmt.Println("")
	fmt.Println("")
	flag.PrintDefaults()
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var ttl time.Duration
	config, err := cli.NewConfig(cli.FlagFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		return
	}
	flag.Usage = usage
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.LoadFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		return
	}

	if config.File.Server == nil || config.File.Server.TokenSecret == "" {
		fmt.Fprintf(os.Stderr, "No token secret configured. Set server.token_secret or $%s.\n", cli.EnvTokenSecret)
		return
	}
	if ttl <= 0 {
		fmt.Fprintln(os.Stderr, "Token lifetime must be positive.")
		return
	}
	subject := "neakasa-token"
	switch flag.NArg() {
	case 0:
	case 1:
		subject = flag.Arg(0)
	default:
		fmt.Fprintln(os.Stderr, "Too many command-line arguments")
		return
	}

	token, err := server.IssueToken([]byte(config.File.Server.TokenSecret), subject, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %s\n", err)
		return
	}
	fmt.Println(token)
	status = 0
}
