package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/htsp/htsp"
)

const HtspCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `HTSP control.

Connects to a Tvheadend server over the htsp websocket and reads its channel,
tag, dvr entry and epg event collections.

Usage:
    htspctl sync [--config=<config>] [--url=<url> | --page_url=<page_url>]
        [--user=<user>] [--password=<password>] [--token=<token>]
        [--timeout=<timeout>] [--kind=<kind>] [--no_epg] [--log_v=<level>]
    htspctl watch [--config=<config>] [--url=<url> | --page_url=<page_url>]
        [--user=<user>] [--password=<password>] [--token=<token>]
        [--timeout=<timeout>] [--no_epg] [--log_v=<level>]
    htspctl url <page_url>
    htspctl -h | --help
    htspctl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          TOML config file.
    --url=<url>                Websocket url, e.g. ws://localhost:9981/htsp
    --page_url=<page_url>      Web page url the websocket url is derived from.
    --user=<user>              Basic auth user. Prompts for the password if not given.
    --password=<password>
    --token=<token>            Bearer JWT.
    --timeout=<timeout>        Initial sync timeout, e.g. 30s.
    --kind=<kind>              channel, tag, dvrEntry or event [default: channel].
    --no_epg                   Do not request epg events.
    --log_v=<level>            glog verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], HtspCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if url_, _ := opts.Bool("url"); url_ {
		err = pageUrl(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		err = syncStore(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--log_v"); err == nil {
		flag.Set("v", level)
	}
}

func pageUrl(opts docopt.Opts) error {
	pageUrl, _ := opts.String("<page_url>")
	wsUrl, err := htsp.WsUrlFromPage(pageUrl)
	if err != nil {
		return err
	}
	Out.Printf("%s\n", wsUrl)
	return nil
}

func loadConfig(opts docopt.Opts) (*ctlConfig, error) {
	config := defaultCtlConfig()
	if path, err := opts.String("--config"); err == nil {
		config, err = loadCtlConfig(path)
		if err != nil {
			return nil, err
		}
	}
	if err := config.applyOpts(opts); err != nil {
		return nil, err
	}

	if config.Username != "" && config.Password == "" && config.Token == "" {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return nil, err
		}
		config.Password = string(passwordBytes)
		fmt.Printf("\n")
	}
	return config, nil
}

// connects a new client. The caller cancels it.
func connectClient(ctx context.Context, opts docopt.Opts) (*htsp.Client, error) {
	config, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	wsUrl, err := config.WsUrl()
	if err != nil {
		return nil, err
	}

	wsSettings := htsp.DefaultWsTransportSettings()
	wsSettings.Auth = config.Auth()

	sessionSettings := htsp.DefaultSessionSettings()
	if config.ClientName != "" {
		sessionSettings.ClientName = config.ClientName
	}

	clientSettings := htsp.DefaultClientSettings()
	if noEpg, _ := opts.Bool("--no_epg"); noEpg {
		clientSettings.EnableEpg = false
	}

	session := htsp.NewSession(ctx, htsp.NewWsDialer(wsSettings), sessionSettings)
	client := htsp.NewClient(ctx, session, clientSettings)
	client.AddEventCallback(func(connectionId htsp.Id, event htsp.Event) {
		if hello, ok := event.(*htsp.HelloEvent); ok {
			glog.Infof("[ctl]connected to %s %s (htsp %d)\n", hello.ServerName, hello.ServerVersion, hello.HtspVersion)
		}
	})
	client.Connect(wsUrl)

	syncCtx, syncCancel := context.WithTimeout(ctx, config.Timeout)
	defer syncCancel()
	if err := client.WaitForSync(syncCtx); err != nil {
		client.Cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("Initial sync did not complete in %s.", config.Timeout)
		}
		return nil, err
	}
	return client, nil
}

// prints one collection after the initial sync
func syncStore(opts docopt.Opts) error {
	kind, _ := opts.String("--kind")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Cancel()

	switch htsp.EntityKind(kind) {
	case htsp.EntityKindChannel:
		for _, channel := range client.Channels().All() {
			Out.Printf("%d\t%d\t%s\n", channel.Id, channel.Number, channel.Name)
		}
	case htsp.EntityKindTag:
		for _, tag := range client.Tags().All() {
			Out.Printf("%d\t%s\t%d channels\n", tag.Id, tag.Name, len(tag.Members))
		}
	case htsp.EntityKindDvrEntry:
		for _, dvrEntry := range client.DvrEntries().All() {
			Out.Printf("%d\t%s\t%s\t%s\n", dvrEntry.Id, dvrEntry.State, formatTime(dvrEntry.Start), dvrEntry.Title)
		}
	case htsp.EntityKindEpgEvent:
		for _, epgEvent := range client.EpgEvents().All() {
			Out.Printf("%d\t%d\t%s\t%s\n", epgEvent.Id, epgEvent.ChannelId, formatTime(epgEvent.Start), epgEvent.Title)
		}
	default:
		return fmt.Errorf("Unknown kind %q.", kind)
	}
	return nil
}

// prints live changes until interrupted or the connection closes
func watch(opts docopt.Opts) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := connectClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Cancel()

	Out.Printf(
		"synced %d channels, %d tags, %d dvr entries, %d epg events\n",
		client.Channels().Len(),
		client.Tags().Len(),
		client.DvrEntries().Len(),
		client.EpgEvents().Len(),
	)

	done := make(chan error, 1)
	client.AddEventCallback(func(connectionId htsp.Id, event htsp.Event) {
		switch v := event.(type) {
		case *htsp.ErrorEvent:
			select {
			case done <- v.Err:
			default:
			}
		case *htsp.CloseEvent:
			select {
			case done <- nil:
			default:
			}
		default:
			Out.Printf("[%s] %s\n", connectionId, describeEvent(event))
		}
	})

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func describeEvent(event htsp.Event) string {
	var body any
	switch v := event.(type) {
	case *htsp.ChannelChange:
		body = v.Channel
	case *htsp.TagChange:
		body = v.Tag
	case *htsp.DvrEntryChange:
		body = v.DvrEntry
	case *htsp.EpgEventChange:
		body = v.EpgEvent
	case *htsp.InconsistencyEvent:
		return fmt.Sprintf("%s %s%s %d (%s)", v.Method(), v.Kind, v.Op, v.Key, v.Err)
	default:
		return event.Method()
	}
	bodyJson, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%s (%s)", event.Method(), err)
	}
	return fmt.Sprintf("%s %s", event.Method(), bodyJson)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
