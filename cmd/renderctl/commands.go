package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/planner"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a stuck-job sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			res, err := api.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Checked", "Marked Stuck", "Skipped", "At"},
				[][]string{{
					strconv.Itoa(res.Checked),
					strconv.Itoa(res.MarkedStuck),
					strconv.Itoa(res.Skipped),
					res.Timestamp.Format(time.RFC3339),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent reaper sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			recs, err := api.Audits(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sweeps recorded")
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, a := range recs {
				rows = append(rows, []string{
					a.StartedAt.Format(time.RFC3339),
					a.LockMode,
					strconv.Itoa(a.Checked),
					strconv.Itoa(a.MarkedStuck),
					strings.Join(a.MarkedIDs, ","),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Started", "Lock", "Checked", "Marked", "Jobs"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sweeps to show")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show a job's client-facing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := api.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"},
				statusRows(args[0], st),
				nil,
			))
			return nil
		},
	}
}

func statusRows(jobID string, st *statusView) [][]string {
	rows := [][]string{{"Job", jobID}, {"Status", string(st.Status)}}
	switch st.Status {
	case model.SnapshotRendering:
		var p model.RenderProgress
		if json.Unmarshal(st.Progress, &p) == nil {
			rows = append(rows,
				[]string{"Progress", fmt.Sprintf("%d%%", p.Percent)},
				[]string{"Stage", p.Stage},
				[]string{"Frames", fmt.Sprintf("%d rendered, %d encoded", p.FramesRendered, p.FramesEncoded)},
				[]string{"Shards", fmt.Sprintf("%d/%d", p.ShardsDone, p.ShardsTotal)},
			)
		}
	case model.SnapshotCompleted:
		if st.Output != nil {
			rows = append(rows,
				[]string{"URL", st.Output.URL},
				[]string{"Size", strconv.FormatInt(st.Output.SizeBytes, 10)},
				[]string{"Duration", (time.Duration(st.Output.DurationMs) * time.Millisecond).String()},
			)
		}
	case model.SnapshotFailed:
		if st.Error != nil {
			rows = append(rows, []string{"Error", st.Error.Code}, []string{"Message", st.Error.Message})
		}
	}
	return rows
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <jobId>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := api.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, job)
			}
			rows := [][]string{
				{"Job", job.ID},
				{"Status", string(job.Status)},
				{"Progress", fmt.Sprintf("%d%% %s", job.ProgressPercent, job.ProgressStage)},
				{"Composition", job.CompositionID},
				{"Frames", fmt.Sprintf("%d @ %dfps", job.TotalFrames, job.FPS)},
				{"Updated", job.UpdatedAt.Format(time.RFC3339)},
			}
			if h := job.ExternalHandle; h != nil {
				rows = append(rows, []string{"Render", fmt.Sprintf("%s (%d x %d frames)", h.RenderID, h.ShardCount, h.ShardSize)})
			}
			if job.ErrorCode != "" {
				rows = append(rows, []string{"Error", job.ErrorCode + ": " + job.ErrorMessage})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

// newPlanCommand previews the shard layout locally with the configured
// partitioning limits.
func newPlanCommand(ctx *commandContext) *cobra.Command {
	var durationMs, fps int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview how a render would be partitioned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			p := planner.New(planner.Config{
				MaxWorkers:        cfg.Orchestrator.MaxWorkers,
				MinShard:          cfg.Orchestrator.MinShard,
				MaxShard:          cfg.Orchestrator.MaxShard,
				DefaultFPS:        cfg.Orchestrator.DefaultFPS,
				DefaultDurationMs: cfg.Orchestrator.DefaultDurationMs,
			})
			plan, err := p.Plan(durationMs, fps)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, plan)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Duration", "FPS", "Frames", "Shard Size", "Shards"},
				[][]string{{
					strconv.Itoa(plan.DurationMs) + "ms",
					strconv.Itoa(plan.FPS),
					strconv.Itoa(plan.TotalFrames),
					strconv.Itoa(plan.ShardSize),
					strconv.Itoa(plan.ShardCount()),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&durationMs, "duration-ms", 0, "Total duration in milliseconds (0 uses the default)")
	cmd.Flags().IntVar(&fps, "fps", 0, "Frames per second (0 uses the default)")
	return cmd
}
