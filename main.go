package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"murmur/audio"
	"murmur/config"
	"murmur/diag"
	"murmur/log"
	"murmur/recovery"
	"murmur/segmenter"
	"murmur/shutdown"
	"murmur/transcript"
	"murmur/uplink"
)

var version = "dev"

// transport is the surface main needs from either uplink variant.
type transport interface {
	Connect(ctx context.Context, sessionID string) error
	Send(payload []byte, capturedAt time.Time, duration time.Duration)
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	sessionID := flag.String("session", "", "session identifier (generated when empty)")
	transportName := flag.String("transport", "", "uplink transport: stream or resume (overrides config)")
	fakeWav := flag.String("fake", "", "WAV file to capture from instead of a microphone")
	logPath := flag.String("logpath", "", "log directory (default: OS data dir, or MURMUR_LOG_PATH)")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("murmur", version)
		return
	}

	config.LoadDotenv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *transportName != "" {
		cfg.Uplink.Transport = *transportName
		if err := cfg.Uplink.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
	}

	logDir, err := log.ResolveDir(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log path: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logDir)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "log init: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Infof("murmur %s starting", version)

	if err := run(cfg, *sessionID, *fakeWav, *listDevices); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, sessionID, fakeWav string, listDevices bool) error {
	actx, device, err := openAudio(cfg, fakeWav, listDevices)
	if err != nil || listDevices {
		return err
	}
	defer actx.Close()

	if sessionID == "" {
		sessionID = newSessionID()
	}

	var sink diag.Sink
	if cfg.Diag.Enabled {
		sink = diag.NewPromSink(prometheus.DefaultRegisterer)
	}

	notifier := recovery.NewChannelNotifier()
	tr, retrier, streamer := buildTransport(cfg, sink)
	defer tr.Close()

	if err := tr.Connect(context.Background(), sessionID); err != nil {
		return fmt.Errorf("connecting uplink: %w", err)
	}

	var tc *transcript.Client
	if cfg.Transcript.Enabled {
		tc = transcript.NewClient(transcript.Config{
			BaseURL:   cfg.Server.BaseURL,
			Heartbeat: cfg.Transcript.HeartbeatInterval,
			Sink:      sink,
		})
		tc.AddListener(sessionID, func(e transcript.Event) {
			fmt.Println(e.Text)
		})
		if err := tc.Connect(context.Background(), sessionID); err != nil {
			// Audio delivery works without the transcript channel.
			log.Warnf("transcript connect: %v", err)
		}
		defer tc.Disconnect()
	}

	seg := segmenter.New(actx, device, segmenter.Config{
		SampleRate: cfg.Audio.SampleRate,
		Interval:   cfg.Audio.SegmentInterval,
		Format:     cfg.Audio.Format,
		Bitrate:    cfg.Audio.Bitrate,
	}, sink)
	defer seg.Close()

	recoverCtx, cancelRecover := context.WithCancel(context.Background())
	defer cancelRecover()
	coord := recovery.New(notifier, retrier, streamer, sessionID)
	go coord.Run(recoverCtx)

	recoverCh := make(chan os.Signal, 1)
	shutdown.NotifyRecover(recoverCh)
	go func() {
		for range recoverCh {
			notifier.Notify()
		}
	}()

	var diagSrv *diag.Server
	if cfg.Diag.Enabled {
		diagSrv = diag.NewServer(cfg.Diag.Address, statsFuncs(tr, tc, coord))
		go func() {
			if err := diagSrv.Start(); err != nil {
				log.Warnf("diag server: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			diagSrv.Shutdown(ctx)
		}()
	}

	if err := seg.Start(tr.Send); err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	log.SessionStart(sessionID, cfg.Uplink.Transport, cfg.Audio.Format)
	fmt.Printf("capturing (session %s, %s uplink). Ctrl-C to stop.\n", sessionID, cfg.Uplink.Transport)

	stopCh := make(chan os.Signal, 1)
	shutdown.Notify(stopCh)
	<-stopCh

	seg.Stop()
	log.SessionEnd(sessionID, int(seg.Emitted()))
	if err := seg.Err(); err != nil {
		return fmt.Errorf("capture ended with error: %w", err)
	}
	return nil
}

func openAudio(cfg *config.Config, fakeWav string, listDevices bool) (audio.Context, *audio.DeviceInfo, error) {
	if fakeWav != "" {
		actx, err := audio.NewFakeContext(fakeWav, cfg.Audio.SampleRate, true)
		if err != nil {
			return nil, nil, fmt.Errorf("loading fake audio: %w", err)
		}
		return actx, nil, nil
	}

	actx, err := audio.NewContext()
	if err != nil {
		return nil, nil, fmt.Errorf("audio init: %w", err)
	}

	if listDevices {
		defer actx.Close()
		devices, err := actx.Devices()
		if err != nil {
			return nil, nil, err
		}
		for _, d := range devices {
			tag := ""
			if audio.IsBluetooth(d.Name) {
				tag = " [bluetooth]"
			}
			fmt.Printf("%s%s\n", d.Name, tag)
		}
		return actx, nil, nil
	}

	device, err := audio.SelectDevice(actx)
	if err != nil {
		actx.Close()
		return nil, nil, fmt.Errorf("selecting device: %w", err)
	}
	return actx, device, nil
}

// buildTransport wires the configured uplink variant plus the recovery
// hooks that make sense for it: the resumable transport retries its
// backlog, the streaming transport re-dials.
func buildTransport(cfg *config.Config, sink diag.Sink) (transport, recovery.Retrier, recovery.Streamer) {
	switch cfg.Uplink.Transport {
	case "resume":
		r := uplink.NewResumable(cfg.Server.BaseURL, cfg.Server.APIKey, sink)
		return r, r, nil
	default:
		s := uplink.NewStream(uplink.StreamConfig{
			BaseURL:     cfg.Server.BaseURL,
			MaxAttempts: cfg.Uplink.MaxAttempts,
			BaseDelay:   cfg.Uplink.BaseDelay,
			Sink:        sink,
			OnFatal: func(err error) {
				log.Errorf("uplink gave up: %v (SIGHUP retries once the network is back)", err)
			},
		})
		return s, nil, s
	}
}

func statsFuncs(tr transport, tc *transcript.Client, coord *recovery.Coordinator) map[string]diag.StatsFunc {
	stats := map[string]diag.StatsFunc{
		"recovery": func() any { return map[string]any{"restores": coord.Restores()} },
	}
	switch v := tr.(type) {
	case *uplink.StreamTransport:
		stats["uplink"] = func() any { return v.Stats() }
	case *uplink.ResumableTransport:
		stats["uplink"] = func() any { return v.Stats() }
	}
	if tc != nil {
		stats["transcript"] = func() any { return tc.Stats() }
	}
	return stats
}

func newSessionID() string {
	return fmt.Sprintf("session-%d", time.Now().UnixNano())
}
