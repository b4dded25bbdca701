package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/callmevladik/headlamp/config"
	"github.com/callmevladik/headlamp/stream"
)

const WatchCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Watch control. Streams live resource state from a cluster to stdout,
one json line per update.

Usage:
    watchctl watch --config=<config> --cluster=<cluster> <path>
        [--query=<query>]
        [--verbose]
    watchctl get --config=<config> --cluster=<cluster> <path> <name>
        [--verbose]
    watchctl mux --config=<config> --cluster=<cluster> <path>
        [--query=<query>]
        [--verbose]

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --config=<config>         Cluster config file.
    --cluster=<cluster>       Cluster name from the config file.
    --query=<query>           Url encoded query parameters.
    --verbose                 Trace logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WatchCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		initGlog("2")
	} else {
		initGlog("0")
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if mux_, _ := opts.Bool("mux"); mux_ {
		mux(opts)
	}
}

func initGlog(v string) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", v)
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	client, _, path, query := clusterClient(ctx, opts)

	cancelStream := stream.StreamResults(
		ctx,
		client,
		path,
		query,
		func(items []stream.KubeObject) {
			line, err := json.Marshal(items)
			if err != nil {
				Err.Printf("marshal error = %s\n", err)
				return
			}
			Out.Printf("%s\n", line)
		},
		func(err error, cancelStream func()) {
			Err.Printf("stream error = %s\n", err)
			cancelStream()
			cancel()
		},
		stream.DefaultStreamSettings(),
	)
	defer cancelStream()

	<-ctx.Done()
}

func get(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	client, _, path, query := clusterClient(ctx, opts)
	name, _ := opts.String("<name>")

	cancelStream := stream.StreamResult(
		ctx,
		client,
		path,
		name,
		query,
		func(object stream.KubeObject) {
			line, err := json.Marshal(object)
			if err != nil {
				Err.Printf("marshal error = %s\n", err)
				return
			}
			Out.Printf("%s\n", line)
		},
		func(err error, cancelStream func()) {
			Err.Printf("stream error = %s\n", err)
			cancelStream()
			cancel()
		},
		stream.DefaultStreamSettings(),
	)
	defer cancelStream()

	<-ctx.Done()
}

func mux(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	_, watcher, path, query := clusterClient(ctx, opts)
	clusterName, _ := opts.String("--cluster")

	muxUrl := watcher.Config().MultiplexerUrl
	if muxUrl == "" {
		Err.Fatalf("config has no multiplexerUrl\n")
	}

	multiplexer := stream.NewMultiplexerWithDefaults(ctx, muxUrl, watcher)
	defer multiplexer.Close()

	unsubscribe, err := multiplexer.Subscribe(
		clusterName,
		path,
		query.Encode(),
		func(message []byte) {
			Out.Printf("%s\n", message)
		},
	)
	if err != nil {
		Err.Fatalf("subscribe error = %s\n", err)
	}
	defer unsubscribe()

	<-ctx.Done()
}

func clusterClient(ctx context.Context, opts docopt.Opts) (*stream.ApiClient, *config.Watcher, string, url.Values) {
	configPath, _ := opts.String("--config")
	clusterName, _ := opts.String("--cluster")
	path, _ := opts.String("<path>")

	query := url.Values{}
	if queryStr, err := opts.String("--query"); err == nil && queryStr != "" {
		parsed, err := url.ParseQuery(queryStr)
		if err != nil {
			Err.Fatalf("bad query %q = %s\n", queryStr, err)
		}
		query = parsed
	}

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		Err.Fatalf("config error = %s\n", err)
	}

	cluster, ok := watcher.Config().Cluster(clusterName)
	if !ok {
		Err.Fatalf("unknown cluster %q\n", clusterName)
	}

	var tokens stream.TokenSource = watcher
	if token, err := cluster.BearerToken(); err != nil || token == "" {
		// the config has no usable token. ask once on the terminal.
		if promptToken, promptErr := promptForToken(cluster.Name); promptErr == nil && promptToken != "" {
			tokens = stream.TokenFunc(func(clusterId string) (string, error) {
				return promptToken, nil
			})
		}
	}

	client := stream.NewApiClient(ctx, cluster.Server, cluster.Name, tokens)
	return client, watcher, path, query
}

func promptForToken(clusterName string) (string, error) {
	if !term.IsTerminal(syscall.Stdin) {
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "Bearer token for %s (empty for none): ", clusterName)
	tokenBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return "", err
	}
	return string(tokenBytes), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
