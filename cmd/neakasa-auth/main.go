// Utility for saving, checking, and deleting account passwords in the system keyring

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/cli"
)

const loginTimeout = 30 * time.Second

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usageText = `
Saves the password of a Neakasa account in the system keyring, logs in with the saved password to
check it, or deletes it.

When saving, the password is read from stdin if stdin is not a terminal, and prompted for
otherwise. The account is selected with -username or $NEAKASA_USERNAME.`

func cliUsage() {
	usage(flag.CommandLine.Output())
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: %s [OPTION...] save|verify|delete\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, usageText)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "OPTIONS:")
	flag.PrintDefaults()
}

func readPassword(username string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return cli.PromptPassword("Password for " + username)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	config, err := cli.NewConfig(cli.FlagAccount | cli.FlagKeyring)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	config.RegisterCommandLineFlags()
	flag.Usage = cliUsage
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.LoadFile(); err != nil {
		writeErr("Error loading configuration: %s", err)
		return
	}
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}

	if flag.NArg() != 1 {
		usage(os.Stderr)
		return
	}
	if config.Username == "" {
		writeErr("Must provide account username using -username or $%s", cli.EnvUsername)
		return
	}

	switch flag.Arg(0) {
	case "save":
		password, err := readPassword(config.Username)
		if err != nil {
			writeErr("Error reading password: %s", err)
			return
		}
		if password == "" {
			writeErr("Refusing to save an empty password")
			return
		}
		if err := config.SavePassword(config.Username, password); err != nil {
			writeErr("Error saving password to keyring: %s", err)
			return
		}
	case "verify":
		password, err := config.LoadPassword(config.Username)
		if err != nil {
			writeErr("%s", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
		defer cancel()
		acct := account.New(config.AccountOptions("neakasa-auth")...)
		if err := acct.Login(ctx, config.Username, password); err != nil {
			writeErr("Login failed: %s", err)
			return
		}
		fmt.Printf("Logged in as %s\n", config.Username)
	case "delete":
		if err := config.DeletePassword(config.Username); err != nil {
			writeErr("Failed to delete password: %s", err)
			return
		}
	default:
		writeErr("Unrecognized command-line argument.")
		writeErr("")
		usage(os.Stderr)
		return
	}
	status = 0
}
