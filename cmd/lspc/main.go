// Command lspc is the short-lived client driver: it locates or spawns
// the lspd daemon for the current working directory, sends one
// request, and prints the result.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lspd/lspd/internal/clientdriver"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "lspc",
		Short: "lspc talks to the lspd daemon for the current working directory",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to an alternate daemon config file")

	root.AddCommand(
		simpleCmd("status", "print daemon status"),
		fileCmd("diagnostics", "diagnostics <file>", "fetch diagnostics for a file", 1),
		hoverCmd(),
		startCmd(),
		simpleCmd("logs", "print the daemon's log file path"),
		simpleCmd("pwd", "print the daemon's working directory"),
		simpleCmd("stop", "stop the daemon"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func lspdBinaryPath() string {
	if p, err := exec.LookPath("lspd"); err == nil {
		return p
	}
	self, err := os.Executable()
	if err == nil {
		return filepath.Join(filepath.Dir(self), "lspd")
	}
	return "lspd"
}

func send(command string, args []string) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	paths, err := clientdriver.EnsureDaemon(wd, lspdBinaryPath(), configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	resp, err := clientdriver.Send(paths, clientdriver.Request{Command: command, Args: args})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, resp.Error)
		os.Exit(1)
	}
	printResult(resp.Result)
}

func printResult(result any) {
	switch v := result.(type) {
	case string:
		fmt.Println(v)
	default:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		fmt.Println(string(out))
	}
}

func simpleCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			send(name, nil)
		},
	}
}

func fileCmd(name, use, short string, minArgs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(minArgs),
		Run: func(cmd *cobra.Command, args []string) {
			send(name, args)
		},
	}
}

func hoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hover <file> <symbol>",
		Short: "fetch aggregated hover results for a symbol occurrence",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			send("hover", args)
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [dir]",
		Short: "ensure a daemon is running and report detected servers",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			send("start", args)
		},
	}
}
