package broker

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ScripCache persists one scrip master download per trading day. The master
// file only changes overnight, so repeat lookups within a day are served
// from memory or disk instead of the broker.
type ScripCache struct {
	dir string
	loc *time.Location
	now func() time.Time

	mu     sync.Mutex
	mem    ScripTable
	memDay string
}

// NewScripCache stores daily master files under dir, dating them in loc.
func NewScripCache(dir string, loc *time.Location) *ScripCache {
	if loc == nil {
		loc = istZone
	}
	return &ScripCache{
		dir: dir,
		loc: loc,
		now: time.Now,
	}
}

func (c *ScripCache) fileFor(day string) string {
	return filepath.Join(c.dir, "scrip_master_"+day+".csv")
}

// Table returns the scrip table for the current trading day, calling fetch
// only when neither memory nor disk has today's file.
func (c *ScripCache) Table(ctx context.Context, fetch func(ctx context.Context) ([]byte, error)) (ScripTable, error) {
	day := c.now().In(c.loc).Format("2006-01-02")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.memDay == day && c.mem != nil {
		return c.mem, nil
	}

	if raw, err := os.ReadFile(c.fileFor(day)); err == nil {
		table, perr := ParseScripCSV(raw)
		if perr == nil {
			c.mem, c.memDay = table, day
			return table, nil
		}
		log.Printf("Warning: cached scrip master for %s is unreadable: %v; refetching", day, perr)
	}

	raw, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	table, err := ParseScripCSV(raw)
	if err != nil {
		return nil, err
	}

	if werr := c.persist(day, raw); werr != nil {
		log.Printf("Warning: failed to cache scrip master for %s: %v", day, werr)
	}

	c.mem, c.memDay = table, day
	return table, nil
}

// persist writes today's file via temp-and-rename and drops older days.
func (c *ScripCache) persist(day string, raw []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, "scrip_master_*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.fileFor(day)); err != nil {
		os.Remove(tmpName)
		return err
	}

	c.removeStale(day)
	return nil
}

func (c *ScripCache) removeStale(keepDay string) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	keep := filepath.Base(c.fileFor(keepDay))
	for _, e := range entries {
		name := e.Name()
		if name == keep || !strings.HasPrefix(name, "scrip_master_") || !strings.HasSuffix(name, ".csv") {
			continue
		}
		os.Remove(filepath.Join(c.dir, name))
	}
}

// ParseScripCSV reads the broker's scrip master CSV into a lookup table.
// Column order varies between dumps, so columns are located by header name.
func ParseScripCSV(raw []byte) (ScripTable, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("scrip master: read header: %w", err)
	}

	col := func(names ...string) int {
		for i, h := range header {
			h = strings.ToLower(strings.TrimSpace(h))
			for _, want := range names {
				if h == want {
					return i
				}
			}
		}
		return -1
	}

	tokenIdx := col("psymbol", "token", "instrument_token")
	symbolIdx := col("ptrdsymbol", "tradingsymbol", "trading_symbol")
	segIdx := col("pexchseg", "exchange", "exchange_segment")
	nameIdx := col("psymbolname", "name", "symbol_name")

	if tokenIdx < 0 || symbolIdx < 0 {
		return nil, fmt.Errorf("scrip master: header missing token or trading symbol column: %v", header)
	}

	table := make(ScripTable)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scrip master: read row: %w", err)
		}
		if tokenIdx >= len(row) || symbolIdx >= len(row) {
			continue
		}
		if segIdx >= 0 && segIdx < len(row) {
			if seg := strings.ToLower(strings.TrimSpace(row[segIdx])); seg != "" && seg != "nse_cm" {
				continue
			}
		}

		symbol := strings.ToUpper(strings.TrimSpace(row[symbolIdx]))
		token := strings.TrimSpace(row[tokenIdx])
		if symbol == "" || token == "" {
			continue
		}

		scrip := Scrip{
			Token:         token,
			TradingSymbol: symbol,
			Exchange:      "nse_cm",
		}
		if nameIdx >= 0 && nameIdx < len(row) {
			scrip.Name = strings.TrimSpace(row[nameIdx])
		}
		table[symbol] = scrip
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("scrip master: no nse_cm rows parsed")
	}
	return table, nil
}
