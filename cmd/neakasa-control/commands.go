package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/neakasa/neakasa-go/pkg/account"
	"github.com/neakasa/neakasa-go/pkg/bridge"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
	"github.com/neakasa/neakasa-go/pkg/registry"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

type Argument struct {
	name string
	help string
}

// environment is shared by every command of a session.
type environment struct {
	creds    registry.Credentials
	sessions coordinator.SessionProvider
	out      io.Writer
	devices  map[string]*coordinator.Coordinator
}

func newEnvironment(creds registry.Credentials, sessions coordinator.SessionProvider, out io.Writer) *environment {
	return &environment{
		creds:    creds,
		sessions: sessions,
		out:      out,
		devices:  make(map[string]*coordinator.Coordinator),
	}
}

// device returns a coordinator for id. Coordinators are kept for the lifetime of the process so
// that repeated commands in the interactive shell share caches.
func (e *environment) device(id string) *coordinator.Coordinator {
	c, ok := e.devices[id]
	if !ok {
		c = coordinator.New(coordinator.Config{DeviceID: id, Credentials: e.creds}, e.sessions)
		e.devices[id] = c
	}
	return c
}

func (e *environment) printJSON(v interface{}) error {
	encoder := json.NewEncoder(e.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

type Handler func(ctx context.Context, env *environment, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

var deviceArg = Argument{name: "DEVICE", help: "Device iotId, as listed by the devices command"}

func execute(ctx context.Context, env *environment, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func formatTime(seconds int64) string {
	if seconds == 0 {
		return "-"
	}
	return time.Unix(seconds, 0).Format(time.DateTime)
}

func listDevices(ctx context.Context, env *environment, args map[string]string) error {
	filter := args["FILTER"]
	if filter != "" && filter != "all" {
		return fmt.Errorf("%w: FILTER must be 'all'", ErrCommandLineArgs)
	}
	session, err := env.sessions.Session(ctx, env.creds)
	if err != nil {
		return err
	}
	devices, err := session.Devices(ctx)
	if err != nil {
		return err
	}
	if filter == "" {
		devices = account.FilterLitterBoxes(devices)
	}
	w := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IOT ID\tNAME\tDEVICE NAME\tCATEGORY")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.IotID, d.DisplayName(), d.DeviceName, d.CategoryKey)
	}
	return w.Flush()
}

func showRecords(ctx context.Context, env *environment, args map[string]string) error {
	snapshot, err := env.device(args["DEVICE"]).Refresh(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string)
	for _, cat := range snapshot.Cats {
		names[cat.ID] = cat.Name
	}
	records := append([]account.Record{}, snapshot.Records...)
	sort.Slice(records, func(i, j int) bool { return records[i].StartTime > records[j].StartTime })

	w := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CAT\tSTART\tDURATION\tWEIGHT")
	for _, r := range records {
		name, ok := names[r.CatID]
		if !ok {
			name = "unknown (" + r.CatID + ")"
		}
		duration := time.Duration(r.EndTime-r.StartTime) * time.Second
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n", name, formatTime(r.StartTime), duration, r.Weight)
	}
	return w.Flush()
}

var commands = map[string]*Command{
	"devices": &Command{
		help:     "List litter boxes bound to the account",
		optional: []Argument{{name: "FILTER", help: "'all' to include devices that are not litter boxes"}},
		handler:  listDevices,
	},
	"status": &Command{
		help: "Poll a litter box and print its state",
		args: []Argument{deviceArg},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			snapshot, err := env.device(args["DEVICE"]).Refresh(ctx)
			if err != nil {
				return err
			}
			return env.printJSON(snapshot)
		},
	},
	"set": &Command{
		help: "Turn a setting on or off",
		args: []Argument{
			deviceArg,
			{name: "SETTING", help: strings.Join(coordinator.SwitchProperties, "|")},
			{name: "VALUE", help: "on|off"},
		},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			if !coordinator.IsSwitch(args["SETTING"]) {
				return fmt.Errorf("%w: unknown setting '%s'", ErrCommandLineArgs, args["SETTING"])
			}
			value, err := bridge.ParseSwitch([]byte(args["VALUE"]))
			if err != nil {
				return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
			}
			snapshot, err := env.device(args["DEVICE"]).SetProperty(ctx, args["SETTING"], value)
			if err != nil {
				return err
			}
			on, _ := snapshot.Switch(args["SETTING"])
			fmt.Fprintf(env.out, "%s: %v\n", args["SETTING"], on)
			return nil
		},
	},
	"clean": &Command{
		help: "Start a cleaning cycle",
		args: []Argument{deviceArg},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			return env.device(args["DEVICE"]).InvokeService(ctx, coordinator.ServiceClean)
		},
	},
	"level": &Command{
		help: "Level the litter",
		args: []Argument{deviceArg},
		handler: func(ctx context.Context, env *environment, args map[string]string) error {
			return env.device(args["DEVICE"]).InvokeService(ctx, coordinator.ServiceLevel)
		},
	},
	"records": &Command{
		help:    "Print recent visits, newest first",
		args:    []Argument{deviceArg},
		handler: showRecords,
	},
}
