package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/config"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/identity"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/logger"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/protocol"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/provider"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/session"
)

const usage = `Usage:
  assist [flags] client
  assist [flags] technician <client-id>

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("assist", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	var (
		configPath = flags.String("config", "", "path to YAML config file (default $"+config.EnvConfigFile+")")
		relayURL   = flags.String("relay", "", "signaling relay websocket URL (overrides endpoint.relay_url)")
		ivfPath    = flags.String("capture-ivf", "", "VP8 IVF file shared as the screen (client)")
		recordDir  = flags.String("record-dir", "", "directory to record the received screen into (technician)")
		localID    = flags.String("id", "", "use this identifier instead of a generated one")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}

	role, remoteID, err := parseRole(flags.Args())
	if err != nil {
		flags.Usage()
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *relayURL != "" {
		cfg.Endpoint.RelayURL = *relayURL
	}
	if *ivfPath != "" {
		cfg.Capture.IVFPath = *ivfPath
	}
	if *recordDir != "" {
		cfg.Playback.RecordDir = *recordDir
	}
	if err := cfg.ValidateEndpoint(); err != nil {
		return err
	}

	log, err := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	id := *localID
	if id == "" {
		if id, err = identity.Generate(); err != nil {
			return err
		}
	} else if id, err = identity.Normalize(id); err != nil {
		return err
	}

	codec, err := protocol.ForName(cfg.Endpoint.WireFormat)
	if err != nil {
		return err
	}

	prov, err := provider.NewWebRTCProvider(provider.WebRTCOptions{
		RelayURL:   cfg.Endpoint.RelayURL,
		ICEServers: cfg.Endpoint.ICEServers,
	}, log)
	if err != nil {
		return err
	}

	var capturer media.Capturer = media.Unavailable{}
	if cfg.Capture.IVFPath != "" {
		capturer = &media.IVFCapturer{Path: cfg.Capture.IVFPath, Log: log}
	}
	var player media.Player = media.DiscardPlayer{}
	if cfg.Playback.RecordDir != "" {
		player = &media.IVFRecorder{Dir: cfg.Playback.RecordDir, Log: log}
	}

	console := newConsole(os.Stdout)
	sess, err := session.New(session.Config{
		Role:        role,
		LocalID:     id,
		RemoteID:    remoteID,
		SettleDelay: cfg.Endpoint.SettleDelay,
		SendAck:     cfg.Endpoint.AckEnabled(),
		Codec:       codec,
		Capture:     media.CaptureOptions{Cursor: true},
	}, session.Deps{
		Provider: prov,
		Capturer: capturer,
		Player:   player,
		Sink:     session.Tee(console, session.LogSink{Log: log.WithField("component", "session")}),
		Log:      log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.Printf("Your ID: %s\n", id)
	if role == session.RoleClient {
		console.Printf("Give this ID to your technician.\n")
	}
	console.Printf("Type /help for commands.\n")

	go console.ReadCommands(os.Stdin, sess)

	if err := sess.Run(ctx); err != nil {
		return err
	}
	if sess.Status() == session.StatusFailed {
		return errors.New(sess.Detail())
	}
	return nil
}

func parseRole(args []string) (session.Role, string, error) {
	if len(args) == 0 {
		return "", "", errors.New("missing role")
	}
	switch strings.ToLower(args[0]) {
	case string(session.RoleClient):
		if len(args) != 1 {
			return "", "", errors.New("client takes no arguments")
		}
		return session.RoleClient, "", nil
	case string(session.RoleTechnician):
		if len(args) != 2 {
			return "", "", errors.New("technician needs the client's ID")
		}
		remote, err := identity.Normalize(args[1])
		if err != nil {
			return "", "", err
		}
		return session.RoleTechnician, remote, nil
	}
	return "", "", fmt.Errorf("unknown role %q", args[0])
}
