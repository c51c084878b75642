// Command probe checks that systems are reachable with their credentials
// and can run a command, without starting the engine.
//
//	probe -host 10.0.0.5 -user deploy -key ~/.ssh/id_ed25519
//	probe -platform windows -host dc1 -user Administrator -password-env WINRM_PASSWORD
//	probe -inventory systems.yaml -credentials credentials.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orca/pkg/executor/connector"
	"orca/pkg/logger"
	"orca/pkg/models"
	"orca/pkg/storage"
)

type options struct {
	platform    string
	host        string
	port        int
	user        string
	passwordEnv string
	keyFile     string
	useTLS      bool
	insecure    bool
	inventory   string
	credentials string
	command     string
	timeout     time.Duration
	parallel    int
	verbose     bool
}

func main() {
	var o options
	flag.StringVar(&o.platform, "platform", "linux", "linux or windows")
	flag.StringVar(&o.host, "host", "", "address of a single system")
	flag.IntVar(&o.port, "port", 0, "port, defaults to 22 or 5985/5986")
	flag.StringVar(&o.user, "user", "", "username")
	flag.StringVar(&o.passwordEnv, "password-env", "ORCA_PROBE_PASSWORD", "environment variable holding the password")
	flag.StringVar(&o.keyFile, "key", "", "SSH private key file")
	flag.BoolVar(&o.useTLS, "tls", false, "use HTTPS for WinRM")
	flag.BoolVar(&o.insecure, "insecure", false, "skip WinRM certificate verification")
	flag.StringVar(&o.inventory, "inventory", "", "probe every active system in this inventory file")
	flag.StringVar(&o.credentials, "credentials", "", "credentials file used with -inventory")
	flag.StringVar(&o.command, "command", "whoami", "command to run after the connection test")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "connect timeout; the command gets four times as long")
	flag.IntVar(&o.parallel, "parallel", 4, "systems probed at once")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Encoding: "console", OutputPath: "stderr", Service: "orca-probe"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	targets, err := loadTargets(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !probeAll(ctx, o, targets, log) {
		os.Exit(1)
	}
}

func loadTargets(o options) ([]models.Target, error) {
	if o.inventory == "" {
		if o.host == "" || o.user == "" {
			return nil, fmt.Errorf("-host and -user are required without -inventory")
		}
		cred := models.Credential{Username: o.user, Password: os.Getenv(o.passwordEnv)}
		if o.keyFile != "" {
			key, err := os.ReadFile(o.keyFile)
			if err != nil {
				return nil, fmt.Errorf("read key: %w", err)
			}
			cred.PrivateKey = key
		}
		sys := models.System{
			Name:     o.host,
			Address:  o.host,
			Port:     o.port,
			Platform: models.Platform(o.platform),
			UseTLS:   o.useTLS,
			Username: o.user,
			Active:   true,
		}
		return []models.Target{{System: sys, Credential: cred}}, nil
	}

	systems, err := storage.LoadInventoryFile(o.inventory)
	if err != nil {
		return nil, err
	}
	if o.credentials == "" {
		return nil, fmt.Errorf("-credentials is required with -inventory")
	}
	creds, err := storage.LoadCredentialsFile(o.credentials)
	if err != nil {
		return nil, err
	}
	var targets []models.Target
	for _, sys := range systems {
		if !sys.Active {
			continue
		}
		cred, err := creds.Credential(context.Background(), sys)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sys.Name, err)
		}
		targets = append(targets, models.Target{System: sys, Credential: cred})
	}
	return targets, nil
}

type report struct {
	target models.Target
	conn   connector.ConnectionResult
	cmd    *connector.CommandResult
}

func (r report) ok() bool {
	return r.conn.Success && r.cmd != nil && r.cmd.Success
}

func probeAll(ctx context.Context, o options, targets []models.Target, log *zap.Logger) bool {
	set := connector.NewDefaultSet(connector.Options{
		ConnectTimeout: o.timeout,
		InsecureTLS:    o.insecure,
		Logger:         log,
	})

	reports := make([]report, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.parallel, 1))
	for i, t := range targets {
		g.Go(func() error {
			reports[i] = probe(gctx, set, t, o)
			return nil
		})
	}
	_ = g.Wait()

	passed := 0
	for _, r := range reports {
		printReport(r)
		if r.ok() {
			passed++
		}
	}
	fmt.Printf("\n%d/%d systems passed\n", passed, len(reports))
	return passed == len(reports)
}

func probe(ctx context.Context, set *connector.Set, t models.Target, o options) report {
	r := report{target: t}
	conn, err := set.For(t.System.Platform)
	if err != nil {
		r.conn = connector.ConnectionResult{Err: &connector.Error{
			Phase: connector.PhaseConnection, Kind: connector.KindInternal, Message: err.Error(),
		}}
		return r
	}
	r.conn = conn.Probe(ctx, t)
	if !r.conn.Success {
		return r
	}
	res := conn.Run(ctx, t, o.command, 4*o.timeout)
	r.cmd = &res
	return r
}

func printReport(r report) {
	fmt.Printf("%s\n", r.target.System)
	if !r.conn.Success {
		fmt.Printf("  connection  FAIL  %v\n", r.conn.Err)
		return
	}
	fmt.Printf("  connection  ok    %s (whoami: %s)\n",
		r.conn.ResponseTime.Round(time.Millisecond), strings.TrimSpace(r.conn.SystemInfo["whoami_output"]))

	cmd := r.cmd
	if cmd.Success {
		fmt.Printf("  command     ok    exit 0 in %s\n", cmd.Duration.Round(time.Millisecond))
		if out := strings.TrimSpace(cmd.Stdout); out != "" {
			fmt.Printf("              %s\n", out)
		}
		return
	}
	exit := "none"
	if cmd.ExitCode != nil {
		exit = fmt.Sprint(*cmd.ExitCode)
	}
	fmt.Printf("  command     FAIL  exit %s: %v\n", exit, cmd.Err)
}
