// Command triage is the operator tool for the practice server: it runs the
// keyword triage against ad-hoc text, replays stored sessions and manages
// reviewer access.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/smalltalk-labs/internal/agent"
	"github.com/ashureev/smalltalk-labs/internal/classifier"
	"github.com/ashureev/smalltalk-labs/internal/coach"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/shared"
	"github.com/ashureev/smalltalk-labs/internal/store"
	"github.com/ashureev/smalltalk-labs/internal/triage"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var tuningPath, dbPath string

	rootCmd := &cobra.Command{
		Use:          "triage",
		Short:        "Inspect the safety and coaching triage of the practice server",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&tuningPath, "tuning", os.Getenv("TRIAGE_TUNING_PATH"), "YAML file overriding triage thresholds")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("DB_PATH", "./data/smalltalk.db"), "SQLite database path")

	loadTuning := func() (triage.Tuning, error) {
		return triage.LoadTuning(tuningPath)
	}
	openStore := func() (*store.SQLiteStore, error) {
		return store.NewSQLite(dbPath, shared.DefaultRetryConfig())
	}

	rootCmd.AddCommand(
		newDetectCmd(out, loadTuning),
		newReplayCmd(out, loadTuning, openStore),
		newGrantAdminCmd(out, openStore),
		newBlocksCmd(out, openStore),
	)
	return rootCmd
}

type triggerView struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	Tier   string `json:"tier,omitempty"`
}

type detectReport struct {
	Severity string        `json:"severity"`
	Triggers []triggerView `json:"triggers"`
	Distress struct {
		Tier  string `json:"tier"`
		Level string `json:"level"`
	} `json:"distress"`
	Classify bool       `json:"would_classify"`
	Tip      *coach.Tip `json:"tip,omitempty"`
}

func newDetectCmd(out io.Writer, loadTuning func() (triage.Tuning, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "detect [message]",
		Short: "Run keyword detection and prioritization on one message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			tuning, err := loadTuning()
			if err != nil {
				return err
			}
			message := strings.Join(args, " ")
			triggers := triage.Detect(message)
			severity := triage.Prioritize(triggers)
			_, assessment := triage.DistressState{}.Observe(triggers, tuning.Tier2Threshold)

			var r detectReport
			r.Severity = severity.String()
			for _, t := range triggers {
				v := triggerView{Kind: t.Kind.String(), Reason: t.Reason}
				if t.Tier != triage.TierNone {
					v.Tier = t.Tier.String()
				}
				r.Triggers = append(r.Triggers, v)
			}
			r.Distress.Tier = assessment.Tier.String()
			r.Distress.Level = assessment.Level.String()
			r.Classify = classifier.ShouldClassify(severity, assessment)
			if tip, _, ok := coach.NewGenerator(tuning).Next(coach.Input{Message: message, Triggers: triggers}); ok {
				r.Tip = &tip
			}
			return writeJSON(out, r)
		},
	}
}

type replayStep struct {
	Turn        int      `json:"turn"`
	Message     string   `json:"message"`
	Severity    string   `json:"severity"`
	Triggers    []string `json:"triggers,omitempty"`
	Level       string   `json:"distress_level"`
	Tier2Count  int      `json:"tier2_count"`
	RecordedTip string   `json:"recorded_tip,omitempty"`
}

func newReplayCmd(out io.Writer, loadTuning func() (triage.Tuning, error), openStore func() (*store.SQLiteStore, error)) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "replay [session-id]",
		Short: "Replay a stored session's user turns through the keyword triage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tuning, err := loadTuning()
			if err != nil {
				return err
			}
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			sess, err := repo.GetSession(cmd.Context(), args[0], token)
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}
			return writeJSON(out, replay(sess, tuning))
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

type replayReport struct {
	SessionID string              `json:"session_id"`
	Lifecycle domain.Lifecycle    `json:"lifecycle"`
	Steps     []replayStep        `json:"steps"`
	Final     triage.SessionState `json:"final_state"`
}

func replay(sess *domain.Session, tuning triage.Tuning) replayReport {
	report := replayReport{SessionID: sess.ID, Lifecycle: sess.Lifecycle}
	var distress triage.DistressState
	for i, t := range sess.UserTurns() {
		triggers := triage.Detect(t.Content)
		var a triage.DistressAssessment
		distress, a = distress.Observe(triggers, tuning.Tier2Threshold)

		step := replayStep{
			Turn:        i + 1,
			Message:     t.Content,
			Severity:    triage.Prioritize(triggers).String(),
			Level:       a.Level.String(),
			Tier2Count:  a.AccumulatedTier2Count,
			RecordedTip: t.CoachTip,
		}
		for _, tr := range triggers {
			if tr.Kind != triage.SeverityNone {
				step.Triggers = append(step.Triggers, tr.Reason)
			}
		}
		report.Steps = append(report.Steps, step)
	}
	report.Final = agent.RebuildState(sess.Transcript, tuning)
	return report
}

func newGrantAdminCmd(out io.Writer, openStore func() (*store.SQLiteStore, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "grant-admin [user-id]",
		Short: "Allow a user to review moderation blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.GrantAdmin(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("grant admin: %w", err)
			}
			_, err = fmt.Fprintf(out, "granted admin to %s\n", args[0])
			return err
		},
	}
}

func newBlocksCmd(out io.Writer, openStore func() (*store.SQLiteStore, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List recent moderation blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			blocks, err := repo.ListModerationBlocks(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list moderation blocks: %w", err)
			}
			return writeJSON(out, blocks)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum blocks to list")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
