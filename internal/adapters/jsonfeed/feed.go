// Package jsonfeed replays opportunities from newline-delimited JSON.
//
// Each line is one record. A record whose "type" is "tick" carries a mark
// price ({"type":"tick","symbol":"BTCUSDT","price":64000}); every other record
// decodes as a domain.Opportunity. Both are emitted on one channel in file order.
// Blank lines and lines starting with '#' are ignored.
package jsonfeed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const recordTick = "tick"

// maxLineBytes bounds a single record.
const maxLineBytes = 1 << 20

// Config configures a Feed. Exactly one of Path or Reader is used; Path wins.
type Config struct {
	Path   string
	Reader io.Reader
	Logger ports.Logger
	Buffer int // channel buffer, 0 means unbuffered
}

type record struct {
	Type  string  `json:"type"`
	Price float64 `json:"price"`
	domain.Opportunity
}

// Feed implements ports.OpportunityFeed.
type Feed struct {
	cfg Config
	now func() time.Time
}

// New validates cfg and returns a Feed. The source is opened on Opportunities.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for json feed", ports.ErrConfiguration)
	}
	if cfg.Path == "" && cfg.Reader == nil {
		return nil, fmt.Errorf("%w: json feed needs a path or reader", ports.ErrConfiguration)
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	return &Feed{cfg: cfg, now: time.Now}, nil
}

// Records starts reading and returns the output channel. The channel is
// closed when the source is exhausted, a read error occurs, or ctx is done.
func (f *Feed) Records(ctx context.Context) (<-chan domain.FeedItem, error) {
	op := "Records"
	src := f.cfg.Reader
	var closer io.Closer
	if f.cfg.Path != "" {
		file, err := os.Open(f.cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: open %s: %w", op, f.cfg.Path, err)
		}
		src, closer = file, file
	}

	out := make(chan domain.FeedItem, f.cfg.Buffer)
	go func() {
		defer close(out)
		if closer != nil {
			defer closer.Close()
		}
		f.read(ctx, src, out)
	}()
	return out, nil
}

func (f *Feed) read(ctx context.Context, src io.Reader, out chan<- domain.FeedItem) {
	op := "jsonfeed"
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lineNo, sent, ticks, skipped int
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			f.cfg.Logger.Warn(ctx, op+": skipping malformed record", map[string]interface{}{"line": lineNo, "error": err.Error()})
			continue
		}

		var item domain.FeedItem
		if rec.Type == recordTick {
			if rec.Symbol == "" || rec.Price <= 0 {
				skipped++
				f.cfg.Logger.Warn(ctx, op+": skipping invalid tick", map[string]interface{}{"line": lineNo})
				continue
			}
			at := rec.Timestamp
			if at.IsZero() {
				at = f.now()
			}
			item.Tick = &domain.Tick{Symbol: rec.Symbol, Price: rec.Price, Time: at}
			ticks++
		} else {
			opp := rec.Opportunity
			if opp.Timestamp.IsZero() {
				opp.Timestamp = f.now()
			}
			item.Opportunity = &opp
			sent++
		}

		select {
		case out <- item:
		case <-ctx.Done():
			f.cfg.Logger.Info(ctx, op+": stopped", map[string]interface{}{"sent": sent})
			return
		}
	}

	if err := sc.Err(); err != nil {
		f.cfg.Logger.Error(ctx, err, op+": read failed", map[string]interface{}{"line": lineNo})
		return
	}
	f.cfg.Logger.Info(ctx, op+": source exhausted", map[string]interface{}{"lines": lineNo, "sent": sent, "ticks": ticks, "skipped": skipped})
}
