// Package proxy reads the two indirect signals the edge proxy exposes:
// the stub status counter block and the tail of the access log. Byte
// attribution is built entirely on these; there is no direct
// "transfer finished" event anywhere in the system.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jgivc/filetunnel/internal/config"
	"github.com/jgivc/filetunnel/internal/entity"
	"github.com/spf13/afero"
)

const (
	timeLayout = "02/Jan/2006:15:04:05 -0700"

	methodGet = "GET"
	statusOK  = "200"
)

// Combined log format: addr ident user [time] "method path proto"
// status bytes ...
var accessLineRegexp = regexp.MustCompile(`^\S+ \S+ \S+ \[([^\]]+)\] "([A-Z]+) ([^ "]+)[^"]*" (\d{3}) (\d+|-)`)

type proxyAdapter struct {
	client    *resty.Client
	fs        afero.Fs
	statsURL  string
	logPath   string
	tailBytes int64
	log       *slog.Logger
}

func NewProxyAdapter(cfg *config.ProxyConfig, fs afero.Fs, log *slog.Logger) *proxyAdapter {
	return &proxyAdapter{
		client:    resty.New().SetTimeout(cfg.Timeout()),
		fs:        fs,
		statsURL:  cfg.StatsURL,
		logPath:   cfg.AccessLogPath,
		tailBytes: cfg.TailBytes,
		log:       log.With(slog.String("item", "ProxyAdapter")),
	}
}

// Stats fetches and parses the stub status block:
//
//	Active connections: 1
//	server accepts handled requests
//	 1 1 1
func (p *proxyAdapter) Stats(ctx context.Context) (*entity.ProxyStats, error) {
	resp, err := p.client.R().SetContext(ctx).Get(p.statsURL)
	if err != nil {
		return nil, fmt.Errorf("cannot get proxy stats: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("proxy stats returned status %d", resp.StatusCode())
	}

	return parseStats(resp.String())
}

func parseStats(body string) (*entity.ProxyStats, error) {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("unexpected proxy stats format")
	}

	_, connStr, found := strings.Cut(lines[0], ":")
	if !found {
		return nil, fmt.Errorf("unexpected proxy stats format")
	}

	conns, err := strconv.Atoi(strings.TrimSpace(connStr))
	if err != nil {
		return nil, fmt.Errorf("cannot parse connection count: %w", err)
	}

	numbers := strings.Fields(lines[2])
	if len(numbers) < 3 {
		return nil, fmt.Errorf("unexpected proxy stats format")
	}

	stats := &entity.ProxyStats{ActiveConnections: conns}
	if stats.Accepts, err = strconv.ParseInt(numbers[0], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse accepts: %w", err)
	}
	if stats.Handled, err = strconv.ParseInt(numbers[1], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse handled: %w", err)
	}
	if stats.Requests, err = strconv.ParseInt(numbers[2], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse requests: %w", err)
	}

	return stats, nil
}

// RecentAccesses tails the access log (bounded read from the end, not
// a full scan) and returns qualifying download accesses newer than
// since. Only GET requests answered 200 below the download path
// prefix count; everything else in the log is noise for attribution.
func (p *proxyAdapter) RecentAccesses(ctx context.Context, since time.Time) ([]entity.AccessRecord, error) {
	f, err := p.fs.Open(p.logPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open access log %s: %w", p.logPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cannot stat access log: %w", err)
	}

	partial := false
	if offset := info.Size() - p.tailBytes; offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("cannot seek access log: %w", err)
		}
		partial = true
	}

	var records []entity.AccessRecord

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if partial {
			// The first line after an offset seek is almost
			// certainly truncated.
			partial = false

			continue
		}

		record, ok := p.parseLine(scanner.Text())
		if !ok || record.Time.Before(since) {
			continue
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read access log: %w", err)
	}

	return records, nil
}

func (p *proxyAdapter) parseLine(line string) (entity.AccessRecord, bool) {
	m := accessLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return entity.AccessRecord{}, false
	}

	timestamp, method, path, status, bytesSent := m[1], m[2], m[3], m[4], m[5]
	if method != methodGet || status != statusOK {
		return entity.AccessRecord{}, false
	}

	rest, found := strings.CutPrefix(path, config.DownloadPathPrefix)
	if !found {
		return entity.AccessRecord{}, false
	}

	tunnelID, _, _ := strings.Cut(rest, "/")
	if tunnelID == "" {
		return entity.AccessRecord{}, false
	}

	ts, err := time.Parse(timeLayout, timestamp)
	if err != nil {
		return entity.AccessRecord{}, false
	}

	var bytes int64
	if bytesSent != "-" {
		if bytes, err = strconv.ParseInt(bytesSent, 10, 64); err != nil {
			return entity.AccessRecord{}, false
		}
	}

	return entity.AccessRecord{
		TunnelID: tunnelID,
		Bytes:    bytes,
		Time:     ts.UTC(),
	}, true
}
