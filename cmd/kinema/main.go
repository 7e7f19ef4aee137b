// Command kinema plays a media file or stream and exposes the engine's
// command/event channel to embedding hosts over a websocket, with
// Prometheus metrics on the same listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stevevista/kinema/internal/clock"
	"github.com/stevevista/kinema/internal/driver/pasink"
	"github.com/stevevista/kinema/internal/driver/reisendrv"
	"github.com/stevevista/kinema/internal/driver/tsdemux"
	"github.com/stevevista/kinema/internal/host"
	"github.com/stevevista/kinema/internal/player"
	"github.com/stevevista/kinema/internal/telemetry"
	"github.com/stevevista/kinema/media"
)

var version = "dev"

func main() {
	opts := player.DefaultOptions()

	var (
		audioDisable = flag.Bool("an", false, "disable audio")
		subDisable   = flag.Bool("sn", false, "disable subtitles")
		dataDisable  = flag.Bool("dn", false, "disable data streams")
		audioIdx     = flag.Int("ast", -1, "audio stream index")
		videoIdx     = flag.Int("vst", -1, "video stream index")
		subIdx       = flag.Int("sst", -1, "subtitle stream index")
		startTime    = flag.Duration("ss", 0, "start position")
		duration     = flag.Duration("t", 0, "play duration")
		seekByBytes  = flag.Int("bytes", -1, "seek by bytes: 0=off 1=on -1=auto")
		seekInterval = flag.Float64("seek-interval", 10, "relative seek step, seconds")
		volume       = flag.Int("volume", 100, "startup volume 0..128")
		inputFormat  = flag.String("f", "", "force input format")
		fast         = flag.Bool("fast", false, "non-spec-compliant speedups")
		genpts       = flag.Bool("genpts", false, "generate missing pts")
		lowres       = flag.Int("lowres", 0, "decoder low resolution")
		reorderPTS   = flag.Int("drp", -1, "let decoder reorder pts: 0=off 1=on -1=auto")
		syncType     = flag.String("sync", "audio", "master clock: audio, video or ext")
		framedrop    = flag.Int("framedrop", -1, "drop late frames: 0=off 1=on -1=auto")
		infBuf       = flag.Int("infbuf", -1, "unbounded input buffering")
		audioFilters = flag.String("af", "", "audio filter chain")
		videoFilters = flag.String("vf", "", "video filter chain")
		filtThreads  = flag.Int("filter-threads", 0, "filter graph threads")
		audioCodec   = flag.String("acodec", "", "audio codec override")
		videoCodec   = flag.String("vcodec", "", "video codec override")
		subCodec     = flag.String("scodec", "", "subtitle codec override")
		showStatus   = flag.Bool("stats", false, "log transport status")
		listenAddr   = flag.String("listen", envOr("KINEMA_ADDR", ":9520"), "websocket/metrics listen address")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("kinema", version)
		return
	}

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	url := flag.Arg(0)
	if url == "" {
		slog.Error("an input file must be specified")
		os.Exit(1)
	}

	opts.AudioDisable = *audioDisable
	opts.SubtitleDisable = *subDisable
	opts.DataDisable = *dataDisable
	opts.WantedStreams = map[media.StreamKind]int{}
	if *audioIdx >= 0 {
		opts.WantedStreams[media.StreamAudio] = *audioIdx
	}
	if *videoIdx >= 0 {
		opts.WantedStreams[media.StreamVideo] = *videoIdx
	}
	if *subIdx >= 0 {
		opts.WantedStreams[media.StreamSubtitle] = *subIdx
	}
	opts.StartTime = *startTime
	opts.Duration = *duration
	opts.SeekByBytes = *seekByBytes
	opts.SeekInterval = *seekInterval
	opts.Volume = *volume
	opts.InputFormat = *inputFormat
	opts.Fast = *fast
	opts.GenPTS = *genpts
	opts.Lowres = *lowres
	opts.DecoderReorderPTS = *reorderPTS
	opts.Framedrop = *framedrop
	opts.InfiniteBuffer = *infBuf
	opts.AudioFilters = *audioFilters
	if *videoFilters != "" {
		opts.VideoFilters = strings.Split(*videoFilters, ",")
	}
	opts.FilterThreads = *filtThreads
	opts.AudioCodecName = *audioCodec
	opts.VideoCodecName = *videoCodec
	opts.SubtitleCodecName = *subCodec
	opts.ShowStatus = *showStatus

	switch *syncType {
	case "audio":
		opts.SyncType = clock.SyncAudio
	case "video":
		opts.SyncType = clock.SyncVideo
	case "ext":
		opts.SyncType = clock.SyncExternal
	default:
		slog.Error("unknown sync type", "sync", *syncType)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	drv, err := openDriver(url, opts)
	if err != nil {
		slog.Error("open input failed", "url", url, "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	p, err := player.Open(ctx, drv, opts, slog.Default(), clockwork.NewRealClock(), metrics)
	if err != nil {
		// Open closes the demuxer on failure.
		slog.Error("open player failed", "error", err)
		os.Exit(1)
	}

	bridge := host.NewServer(p, slog.Default())
	mux := http.NewServeMux()
	mux.Handle("/session", bridge.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux}

	slog.Info("kinema starting", "version", version, "input", url, "listen", *listenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := httpSrv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		bridge.Pump(gctx, p.Events())
		// Engine finished; stop accepting hosts and unwind.
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
		cancel()
		return nil
	})
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			p.Post(player.Quit{})
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("exit", "error", err)
		os.Exit(1)
	}
}

// openDriver picks the input adapter by URL shape: transport streams and
// SRT sources go through the in-repo TS demuxer, everything else through
// the FFmpeg bindings.
func openDriver(url string, opts player.Options) (player.Driver, error) {
	var drv player.Driver

	switch {
	case strings.HasPrefix(url, "srt://"):
		src, err := tsdemux.OpenSRT(url, slog.Default())
		if err != nil {
			return drv, err
		}
		drv.Demuxer = src
		drv.Decoders = src
	case strings.HasSuffix(url, ".ts") || opts.InputFormat == "mpegts":
		src, err := tsdemux.OpenFile(url, slog.Default())
		if err != nil {
			return drv, err
		}
		drv.Demuxer = src
		drv.Decoders = src
	default:
		src, err := reisendrv.Open(url)
		if err != nil {
			return drv, err
		}
		drv.Demuxer = src
		drv.Decoders = src
	}

	if !opts.AudioDisable {
		sink, err := pasink.New()
		if err != nil {
			slog.Warn("audio device layer unavailable, continuing silent", "error", err)
		} else {
			drv.Sink = sink
		}
	}
	return drv, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
