// Copyright (c) 2025 NSVK

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bvkgo/kv"
	"github.com/nsvk/backpackbot/gobs"
	"github.com/nsvk/backpackbot/kvutil"
)

// Outcome annotates one report line. Success and Failure feed the success
// rate shown in the flushed report; Warning and Neutral do not.
type Outcome int

const (
	Neutral Outcome = iota
	Success
	Failure
	Warning
)

func (o Outcome) glyph() string {
	switch o {
	case Success:
		return "✅ "
	case Failure:
		return "❌ "
	case Warning:
		return "⚠️ "
	}
	return ""
}

func reportKey(key string) string {
	return reportsDir + "/" + key
}

// AppendReport adds one annotated line to the report accumulated under the
// given key. With dedupe set, a line identical to the immediately preceding
// one is dropped so retry loops do not flood the report.
func (q *Queue) AppendReport(ctx context.Context, key, text string, outcome Outcome, dedupe bool) error {
	return kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) error {
		report, err := kvutil.Get[gobs.ReportState](ctx, rw, reportKey(key))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			report = new(gobs.ReportState)
		}

		line := outcome.glyph() + text
		if dedupe && len(report.Lines) > 0 && report.Lines[len(report.Lines)-1] == line {
			return nil
		}

		report.Lines = append(report.Lines, line)
		switch outcome {
		case Success:
			report.DoneCount++
			report.TotalCount++
		case Failure:
			report.TotalCount++
		}
		return kvutil.Set(ctx, rw, reportKey(key), report)
	})
}

// FlushReport returns and deletes the report accumulated under the given
// key, formatted for the notification sink. A non-empty indexHint becomes
// a "[hint]" progress prefix on the header line.
func (q *Queue) FlushReport(ctx context.Context, key, label, indexHint string) (string, error) {
	var report *gobs.ReportState
	err := kv.WithReadWriter(ctx, q.db, func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.ReportState](ctx, rw, reportKey(key))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		report = v
		return rw.Delete(ctx, reportKey(key))
	})
	if err != nil {
		return "", err
	}

	header := label
	if indexHint != "" {
		header = "[" + indexHint + "] " + label
	}

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	if report == nil || len(report.Lines) == 0 {
		sb.WriteString("No actions")
		return sb.String(), nil
	}
	sb.WriteString(strings.Join(report.Lines, "\n"))
	if report.TotalCount > 0 {
		fmt.Fprintf(&sb, "\nDone: %d/%d", report.DoneCount, report.TotalCount)
	}
	return sb.String(), nil
}
