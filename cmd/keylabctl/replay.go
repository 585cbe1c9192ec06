package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"keylab/internal/completion"
	"keylab/internal/replay"
	"keylab/internal/security"
	"keylab/internal/task"
)

type replayFlags struct {
	user      string
	platform  int
	taskIndex int
	textFile  string
	start     string
	outDir    string
	upload    bool
	immediate bool
	capacity  int
}

func (a *app) replayCmd() *cobra.Command {
	var f replayFlags
	cmd := &cobra.Command{
		Use:   "replay <trace.jsonl>",
		Short: "Replay a key input trace into study artifacts",
		Long: `Replay feeds a JSON-lines key input trace through a capture session and
writes the keystroke log, raw text and metadata a live capture would submit.

Each trace line is one dispatch tick: a key input object or an array of
inputs dispatched together.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runReplay(cmd.Context(), args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.user, "user", "", "participant id (8-32 hex characters)")
	fl.IntVar(&f.platform, "platform", int(task.Facebook), "platform id (0 Facebook, 1 Instagram, 2 Twitter)")
	fl.IntVar(&f.taskIndex, "task", 0, "task index")
	fl.StringVar(&f.textFile, "text", "", "file holding the composed text")
	fl.StringVar(&f.start, "start", "", "task start time, RFC 3339 (default: now minus the trace span)")
	fl.StringVar(&f.outDir, "out", "", "write artifacts to this directory")
	fl.BoolVar(&f.upload, "upload", false, "upload artifacts to keylabd")
	fl.BoolVar(&f.immediate, "immediate", false, "log each release as it arrives instead of per tick")
	fl.IntVar(&f.capacity, "capacity", 0, "event log capacity (default from config)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) runReplay(ctx context.Context, tracePath string, f replayFlags) error {
	userID := strings.ToLower(strings.TrimSpace(f.user))
	if !completion.ValidUserID(userID) {
		return fmt.Errorf("invalid user id %q", f.user)
	}
	if f.taskIndex < 0 {
		return fmt.Errorf("invalid task index %d", f.taskIndex)
	}
	if f.outDir == "" && !f.upload {
		return fmt.Errorf("nothing to do: pass --out, --upload or both")
	}

	tf, err := os.Open(tracePath)
	if err != nil {
		return err
	}
	frames, err := replay.ReadTrace(tf)
	tf.Close()
	if err != nil {
		return err
	}

	var raw string
	if f.textFile != "" {
		b, err := os.ReadFile(f.textFile)
		if err != nil {
			return err
		}
		raw = string(b)
	}

	capacity := f.capacity
	if capacity == 0 {
		capacity = a.cfg.Capture.Capacity
	}
	res, err := replay.Run(frames, replay.Options{Capacity: capacity, Immediate: f.immediate})
	if err != nil {
		return err
	}
	for _, rej := range res.Rejected {
		printWarn(a.out, "%v", rej)
	}

	start := a.now().Add(-res.Span)
	if f.start != "" {
		start, err = time.Parse(time.RFC3339, f.start)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	files, err := replay.Artifacts(replay.Task{
		UserID:   userID,
		Platform: task.Platform(f.platform),
		Index:    f.taskIndex,
		Start:    start,
	}, res, raw)
	if err != nil {
		return err
	}

	printOK(a.out, "replayed %d frames", len(frames))
	printField(a.out, "events", res.Stats.Events)
	printField(a.out, "duplicates", res.Stats.Duplicates)
	printField(a.out, "orphans", res.Stats.Orphans)
	printField(a.out, "truncations", res.Stats.Truncations)
	printField(a.out, "span", res.Span)

	if f.outDir != "" {
		for _, file := range files {
			path := filepath.Join(f.outDir, file.Name)
			if err := security.AtomicWrite(path, file.Data, security.PermPublicFile); err != nil {
				return fmt.Errorf("write %s: %w", file.Name, err)
			}
			printOK(a.out, "wrote %s", path)
		}
	}

	if f.upload {
		c, err := a.client()
		if err != nil {
			return err
		}
		for _, file := range files {
			r, err := c.PutArtifact(ctx, file.Name, file.Data)
			if err != nil {
				return fmt.Errorf("upload %s: %w", file.Name, err)
			}
			printOK(a.out, "uploaded %s (%d bytes) %s", r.FileName, r.Size, r.URL)
		}
	}
	return nil
}
