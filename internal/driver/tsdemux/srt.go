package tsdemux

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatency is the receive latency requested from the SRT peer. Matches
// a typical contribution-feed setting.
const srtLatency = 120 * time.Millisecond

// OpenSRT dials an srt:// URL and opens the transport stream flowing over
// it. The URL's query may carry a streamid parameter.
func OpenSRT(rawURL string, log *slog.Logger) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tsdemux: srt url: %w", err)
	}
	if u.Scheme != "srt" {
		return nil, fmt.Errorf("tsdemux: not an srt url: %s", rawURL)
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency
	if id := u.Query().Get("streamid"); id != "" {
		cfg.StreamID = id
	}

	conn, err := srtgo.Dial(u.Host, cfg)
	if err != nil {
		return nil, fmt.Errorf("tsdemux: srt dial %s: %w", u.Host, err)
	}

	src, err := OpenReader(rawURL, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return src, nil
}
