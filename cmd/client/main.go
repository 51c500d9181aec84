// Command client is an interactive terminal softphone for the callsignal server.
//
// It can be launched with a config file only, or with -user and -server flags
// overriding it. Without a username it prompts for one.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsignal/internal/adapters/rtc"
	"github.com/dkeye/callsignal/internal/adapters/signalclient"
	"github.com/dkeye/callsignal/internal/client/call"
	"github.com/dkeye/callsignal/internal/config"
	"github.com/dkeye/callsignal/internal/domain"
)

func main() {
	// Root context, cancelled on Ctrl+C. Cancelling it tears the call down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgFile := flag.String("config", config.FileFor("client"), "Client config file")
	userFlag := flag.String("user", "", "Username to sign in as")
	serverFlag := flag.String("server", "", "Signaling WebSocket URL")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.LoadClient(*cfgFile)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.Username = *userFlag
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *debugMode {
		cfg.LogLevel = "debug"
	}
	config.SetupLogger("debug", cfg.LogLevel)

	if cfg.Username == "" {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Username").
			Show()
		cfg.Username = strings.TrimSpace(raw)
	}
	self, err := domain.NewIdentity(cfg.Username)
	if err != nil {
		pterm.Error.Printfln("invalid username %q: %v", cfg.Username, err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, self); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	pterm.Info.Println("signed out")
}

func run(ctx context.Context, cfg *config.ClientConfig, self domain.Identity) error {
	backend, err := rtc.NewMediaSource(cfg.Media)
	if err != nil {
		return err
	}
	opts := rtc.DefaultOptions()
	opts.ICEServers = cfg.ICEServers
	api, err := rtc.NewAPI(opts, backend.Populate)
	if err != nil {
		return err
	}

	sc, err := signalclient.Dial(ctx, cfg.ServerURL, self)
	if err != nil {
		return err
	}

	m, err := call.New(call.Config{
		Self:        self,
		Peers:       rtc.NewFactory(api, opts, self),
		Media:       backend,
		Signaler:    sc,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		_ = sc.Close()
		return err
	}

	ui := newConsole(self, m)
	m.OnStateChange(ui.onState)
	m.OnError(ui.onError)
	m.OnRemoteTrack(ui.onTrack)

	sess := startSession(sc, m, signalclient.Handlers{
		OnSignal:   ui.onSignal,
		OnPresence: ui.onPresence,
		OnSnapshot: ui.onSnapshot,
		OnError:    ui.onServerError,
	})
	defer func() {
		if err := sess.shutdown(); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("shutdown")
		}
	}()

	pterm.Success.Printfln("signed in as %s at %s", self, cfg.ServerURL)
	ui.help()

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sess.Done():
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
