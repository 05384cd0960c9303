// Package candidates ingests the analysis stage's daily candidate files.
// The engine consumes each day's newest CSV once; candidates are never
// persisted.
package candidates

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nifty_dipper/internal/models"
)

// Loader reads candidate CSVs from the analysis output directory.
type Loader struct {
	dir      string
	minScore float64
	loc      *time.Location
	logger   *log.Logger
}

// NewLoader builds a loader. loc is the exchange timezone used to decide
// which files belong to "today".
func NewLoader(dir string, minScore float64, loc *time.Location, logger *log.Logger) *Loader {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{dir: dir, minScore: minScore, loc: loc, logger: logger}
}

// LoadToday finds the newest CSV written today and returns its accepted
// candidates in priority order. A day with no file yields an empty slice,
// not an error: the analysis stage may legitimately produce nothing.
func (l *Loader) LoadToday(now time.Time) ([]models.Candidate, error) {
	path, ok, err := l.newestFileFor(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.logger.Printf("No candidate file for %s in %s", now.In(l.loc).Format("2006-01-02"), l.dir)
		return nil, nil
	}

	cands, err := l.parseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	accepted := cands[:0]
	for _, c := range cands {
		if c.Accepted(l.minScore) {
			accepted = append(accepted, c)
		}
	}
	models.SortCandidates(accepted)
	l.logger.Printf("Loaded %d candidate(s) from %s (%d accepted)", len(cands), filepath.Base(path), len(accepted))
	return accepted, nil
}

// newestFileFor returns the most recently modified CSV whose mtime falls on
// the same exchange-local date as now.
func (l *Loader) newestFileFor(now time.Time) (string, bool, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading candidate dir: %w", err)
	}

	y, m, d := now.In(l.loc).Date()
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fy, fm, fd := info.ModTime().In(l.loc).Date()
		if fy != y || fm != m || fd != d {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newest = filepath.Join(l.dir, e.Name())
		}
	}
	return newest, newest != "", nil
}

// Required CSV columns; extra columns are ignored.
var requiredColumns = []string{"ticker", "last_close", "final_verdict", "combined_score"}

// parseFile reads one candidate CSV. Rows with malformed numbers are
// skipped with a warning rather than failing the whole file; one bad ticker
// must not cost the day's entries.
func (l *Loader) parseFile(path string) ([]models.Candidate, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the configured candidate dir
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}

	var out []models.Candidate
	line := 1
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		line++

		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		ticker := strings.ToUpper(field("ticker"))
		if ticker == "" {
			continue
		}
		lastClose, err1 := strconv.ParseFloat(field("last_close"), 64)
		score, err2 := strconv.ParseFloat(field("combined_score"), 64)
		if err1 != nil || err2 != nil || lastClose <= 0 {
			l.logger.Printf("Warning: %s line %d: bad numeric fields, skipping", filepath.Base(path), line)
			continue
		}

		c := models.Candidate{
			Ticker:        ticker,
			LastClose:     lastClose,
			FinalVerdict:  strings.ToLower(field("final_verdict")),
			CombinedScore: score,
		}
		if v := field("execution_capital"); v != "" {
			if ec, err := strconv.ParseFloat(v, 64); err == nil && ec > 0 {
				c.ExecutionCapital = ec
			}
		}
		if v := field("priority_score"); v != "" {
			if p, err := strconv.ParseFloat(v, 64); err == nil {
				c.PriorityScore = p
			}
		}
		out = append(out, c)
	}

	return out, nil
}
