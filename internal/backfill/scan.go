// Package backfill discovers on-disk session transcripts and replays them
// through the ingest API, then waits for the pipeline to finish.
package backfill

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSkipActiveThreshold is how recently a transcript must have been
// written to for the scanner to treat it as a live session and skip it.
const DefaultSkipActiveThreshold = 5 * time.Minute

// ScanOptions tunes transcript discovery.
type ScanOptions struct {
	// SkipActiveThreshold overrides DefaultSkipActiveThreshold when positive.
	SkipActiveThreshold time.Duration
	// Now is the reference time for the mtime check. Zero means time.Now.
	Now time.Time
}

// Discovered is one transcript ready for ingestion.
type Discovered struct {
	SessionID      string    `json:"session_id"`
	TranscriptPath string    `json:"transcript_path"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	Workspace      string    `json:"workspace"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	CWD            string    `json:"cwd,omitempty"`
}

// SkipCounts breaks down why files were passed over.
type SkipCounts struct {
	Subagents int `json:"subagents"`
	Active    int `json:"active"`
}

// ScanResult is the full discovery report.
type ScanResult struct {
	Discovered []Discovered `json:"discovered"`
	Skipped    SkipCounts   `json:"skipped"`
	Errors     []string     `json:"errors,omitempty"`
}

// firstLine is the subset of a transcript's opening line the scanner needs.
type firstLine struct {
	SessionID   string `json:"sessionId"`
	CWD         string `json:"cwd"`
	GitRemote   string `json:"gitRemote"`
	Timestamp   string `json:"timestamp"`
	IsSidechain bool   `json:"isSidechain"`
}

// Scan walks projectsRoot for .jsonl transcripts. Files written to within the
// active threshold are skipped so live sessions are left alone; subagent
// transcripts are skipped because their content is folded into the parent
// session's stats by the parser.
func Scan(projectsRoot string, opts ScanOptions) (*ScanResult, error) {
	threshold := opts.SkipActiveThreshold
	if threshold <= 0 {
		threshold = DefaultSkipActiveThreshold
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	result := &ScanResult{}
	err := filepath.WalkDir(projectsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if now.Sub(info.ModTime()) < threshold {
			result.Skipped.Active++
			return nil
		}

		head, err := readFirstLine(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
			return nil
		}
		if head.IsSidechain {
			result.Skipped.Subagents++
			return nil
		}

		sessionID := head.SessionID
		if sessionID == "" {
			sessionID = strings.TrimSuffix(d.Name(), ".jsonl")
		}
		startedAt := info.ModTime()
		if t, err := time.Parse(time.RFC3339, head.Timestamp); err == nil {
			startedAt = t
		}

		result.Discovered = append(result.Discovered, Discovered{
			SessionID:      sessionID,
			TranscriptPath: path,
			FileSizeBytes:  info.Size(),
			Workspace:      workspaceRef(head, path),
			StartedAt:      startedAt,
			EndedAt:        info.ModTime(),
			CWD:            head.CWD,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func readFirstLine(path string) (*firstLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 5*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var head firstLine
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			return nil, fmt.Errorf("first line is not valid JSON: %w", err)
		}
		return &head, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("empty transcript")
}

// workspaceRef picks the workspace identifier posted with the events: the git
// remote when the transcript carries one, otherwise the session's cwd,
// otherwise the project directory the file sits in.
func workspaceRef(head *firstLine, path string) string {
	if head.GitRemote != "" {
		return head.GitRemote
	}
	if head.CWD != "" {
		return head.CWD
	}
	return filepath.Base(filepath.Dir(path))
}
