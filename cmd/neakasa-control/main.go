package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/cli"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

const appName = "neakasa-control"

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Commands require an account, given with -username, $NEAKASA_USERNAME or -config.
 * When the configuration lists several accounts, the first one is used.
 * Without a COMMAND, commands are read from standard input.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(env *environment, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, env, args); err != nil {
		var failure *coordinator.UpdateFailedError
		if errors.As(err, &failure) && failure.Reason == coordinator.ReasonAuthentication {
			writeErr("Login rejected. Check the account password: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(env *environment, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAccount | cli.FlagFile | cli.FlagKeyring)
	if err != nil {
		writeErr("Failed to load configuration: %s", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&commandTimeout, "command-timeout", 30*time.Second, "Set timeout for each command.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	if err := config.LoadFile(); err != nil {
		writeErr("Error loading configuration: %s", err)
		return
	}
	log.SetLevel(config.Level())
	if debug {
		log.SetLevel(log.LevelDebug)
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		if len(args) == 1 {
			Usage()
			status = 0
			return
		}
		info, ok := commands[args[1]]
		if !ok {
			writeErr("Unrecognized command: %s", args[1])
			return
		}
		info.Usage(args[1])
		status = 0
		return
	}
	if len(args) > 0 {
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	if err := config.Validate(); err != nil {
		writeErr("%s", err)
		return
	}
	accounts, err := config.Accounts()
	if err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	sessions := registry.New(account.Dialer(config.AccountOptions(appName)...))
	defer sessions.Close()
	env := newEnvironment(accounts[0].Credentials(), coordinator.FromRegistry(sessions), os.Stdout)

	if len(args) > 0 {
		status = runCommand(env, args, commandTimeout)
	} else {
		status = runInteractiveShell(env, commandTimeout)
	}
}
