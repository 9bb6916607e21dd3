package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"qroute/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	runFile        = "config.json"
	historyFile    = "history.csv"
	summaryFile    = "summary.json"
	dirStampLayout = "%Y%m%d-%H%M%S"
	utcStampLayout = "%Y-%m-%dT%H:%M:%SZ"
)

var historyHeader = []string{"tick", "reward", "value", "td_error", "mean_abs_td_error", "active_ratio", "actions"}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Dir          string  `json:"dir"`
	Scape        string  `json:"scape"`
	Ticks        int     `json:"ticks"`
	Seed         int64   `json:"seed"`
	MeanReward   float64 `json:"mean_reward"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// RunDirName names a run's artifact directory after its start time and id.
func RunDirName(run model.RunRecord) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return strftime.Format(dirStampLayout, run.CreatedAt.UTC()) + "-" + id
}

// WriteRunArtifacts writes config.json, history.csv and summary.json for a
// run under baseDir and records the run in the directory index.
func WriteRunArtifacts(baseDir string, run model.RunRecord, samples []model.TickSample) (string, error) {
	if strings.TrimSpace(run.ID) == "" {
		return "", fmt.Errorf("run id is required")
	}
	dirName := RunDirName(run)
	runDir := filepath.Join(baseDir, dirName)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, runFile), run); err != nil {
		return "", err
	}
	if err := WriteHistoryCSV(filepath.Join(runDir, historyFile), samples); err != nil {
		return "", err
	}
	var meanReward float64
	if len(samples) > 0 {
		summary, err := Summarize(samples)
		if err != nil {
			return "", err
		}
		meanReward = summary.MeanReward
		if err := writeJSON(filepath.Join(runDir, summaryFile), summary); err != nil {
			return "", err
		}
	}

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        run.ID,
		Dir:          dirName,
		Scape:        run.Scape,
		Ticks:        run.Ticks,
		Seed:         run.Seed,
		MeanReward:   meanReward,
		CreatedAtUTC: StampUTC(run.CreatedAt),
	})
	if err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns indexed runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func findRunDir(baseDir, runID string) (string, error) {
	index, err := ListRunIndex(baseDir)
	if err != nil {
		return "", err
	}
	for _, entry := range index {
		if entry.RunID == runID {
			return filepath.Join(baseDir, entry.Dir), nil
		}
	}
	return "", fmt.Errorf("run %s not found in %s", runID, baseDir)
}

// ExportRunArtifacts copies a run's artifact files into outDir/<run id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	src, err := findRunDir(baseDir, runID)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, file := range []string{runFile, historyFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	summaryPath := filepath.Join(src, summaryFile)
	if _, err := os.Stat(summaryPath); err == nil {
		if err := copyFile(summaryPath, filepath.Join(dst, summaryFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunRecord(baseDir, runID string) (model.RunRecord, bool, error) {
	dir, err := findRunDir(baseDir, runID)
	if err != nil {
		return model.RunRecord{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, runFile))
	if err != nil {
		if os.IsNotExist(err) {
			return model.RunRecord{}, false, nil
		}
		return model.RunRecord{}, false, err
	}
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, false, err
	}
	return run, true, nil
}

func ReadSummary(baseDir, runID string) (Summary, bool, error) {
	dir, err := findRunDir(baseDir, runID)
	if err != nil {
		return Summary{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, summaryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, false, err
	}
	return summary, true, nil
}

func ReadRunHistory(baseDir, runID string) ([]model.TickSample, bool, error) {
	dir, err := findRunDir(baseDir, runID)
	if err != nil {
		return nil, false, nil
	}
	samples, err := ReadHistoryCSV(filepath.Join(dir, historyFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return samples, true, nil
}

// WriteHistoryCSV writes one row per sample; actions are joined with ';'.
func WriteHistoryCSV(path string, samples []model.TickSample) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(historyHeader); err != nil {
		return err
	}
	for _, s := range samples {
		actions := make([]string, len(s.Actions))
		for i, a := range s.Actions {
			actions[i] = formatFloat(a)
		}
		if err := writer.Write([]string{
			strconv.FormatInt(s.Tick, 10),
			formatFloat(s.Reward),
			formatFloat(s.Value),
			formatFloat(s.TDError),
			formatFloat(s.MeanAbsTDError),
			formatFloat(s.ActiveRatio),
			strings.Join(actions, ";"),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadHistoryCSV(path string) ([]model.TickSample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.TickSample{}, nil
		}
		return nil, err
	}
	if len(header) != len(historyHeader) {
		return nil, fmt.Errorf("history header must have %d columns, got %d", len(historyHeader), len(header))
	}

	samples := make([]model.TickSample, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		sample, err := parseHistoryRow(record)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func parseHistoryRow(record []string) (model.TickSample, error) {
	var (
		s   model.TickSample
		err error
	)
	if s.Tick, err = strconv.ParseInt(record[0], 10, 64); err != nil {
		return model.TickSample{}, fmt.Errorf("parse tick: %w", err)
	}
	for i, dst := range []*float64{&s.Reward, &s.Value, &s.TDError, &s.MeanAbsTDError, &s.ActiveRatio} {
		if *dst, err = strconv.ParseFloat(record[i+1], 64); err != nil {
			return model.TickSample{}, fmt.Errorf("parse %s: %w", historyHeader[i+1], err)
		}
	}
	if record[6] != "" {
		for _, field := range strings.Split(record[6], ";") {
			a, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return model.TickSample{}, fmt.Errorf("parse actions: %w", err)
			}
			s.Actions = append(s.Actions, a)
		}
	}
	return s, nil
}

// StampUTC formats t the way run index entries record creation times.
func StampUTC(t time.Time) string {
	return strftime.Format(utcStampLayout, t.UTC())
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
