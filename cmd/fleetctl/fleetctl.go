// fleetctl is the command line interface to the fleet supervisor's API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mimir-aip/mimir-fleet/pkg/client"
)

const (
	cliName        = "fleetctl"
	cliDescription = "fleetctl submits jobs to a GPU worker fleet and inspects its queue and workers."

	defaultEndpoint = "http://127.0.0.1:8080"
)

var (
	out *tabwriter.Writer

	// global API client used by commands
	cAPI *client.Client

	globalFlags = struct {
		Endpoint       string
		RequestTimeout float64
	}{}

	sharedFlags = struct {
		NoLegend bool
		OrgID    string
		Kind     string
		Status   string
	}{}

	cmdExitCode int
)

var cmdFleet = &cobra.Command{
	Use:   cliName,
	Short: cliDescription,
	Run: func(cCmd *cobra.Command, args []string) {
		cCmd.HelpFunc()(cCmd, args)
	},
}

func init() {
	out = getTabOutWithWriter(os.Stdout)

	cmdFleet.PersistentFlags().StringVar(&globalFlags.Endpoint, "endpoint", defaultEndpoint, "Location of the fleet supervisor API")
	cmdFleet.PersistentFlags().Float64Var(&globalFlags.RequestTimeout, "request-timeout", 10.0, "Amount of time in seconds to allow a single request before considering it failed.")
}

func getTabOutWithWriter(writer io.Writer) *tabwriter.Writer {
	aux := new(tabwriter.Writer)
	aux.Init(writer, 0, 8, 1, '\t', 0)
	return aux
}

func main() {
	getFlagsFromEnv(cliName, cmdFleet.PersistentFlags())

	if err := cmdFleet.Execute(); err != nil {
		stderr("cannot execute %s: %v", cliName, err)
		os.Exit(1)
	}
	os.Exit(cmdExitCode)
}

// getFlagsFromEnv sets unset flags from FLEETCTL_<FLAG_NAME> environment variables
func getFlagsFromEnv(prefix string, fs *pflag.FlagSet) {
	alreadySet := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		alreadySet[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		if alreadySet[f.Name] {
			return
		}
		key := strings.ToUpper(prefix + "_" + strings.ReplaceAll(f.Name, "-", "_"))
		if val := os.Getenv(key); val != "" {
			fs.Set(f.Name, val)
		}
	})
}

func getClient() *client.Client {
	c := client.NewClient(globalFlags.Endpoint)
	c.HTTP.Timeout = time.Duration(globalFlags.RequestTimeout * float64(time.Second))
	return c
}

func runWrapper(cf func(cCmd *cobra.Command, args []string) (exit int)) func(cCmd *cobra.Command, args []string) {
	return func(cCmd *cobra.Command, args []string) {
		if cAPI == nil {
			cAPI = getClient()
		}
		cmdExitCode = cf(cCmd, args)
	}
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

func maybeAddNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s = s + "\n"
	}
	return s
}

func stderr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, maybeAddNewline(format), args...)
}

func stdout(format string, args ...any) {
	fmt.Fprintf(out, maybeAddNewline(format), args...)
}

func printLegend(cols ...string) {
	if !sharedFlags.NoLegend {
		fmt.Fprintln(out, strings.Join(cols, "\t"))
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
