package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var scheduleHeaders = []string{"ID", "NAME", "QUEUE", "CRON", "INTERVAL", "ENABLED", "NEXT_DUE", "LAST_JOB"}

func scheduleRow(s ScheduleResponse) []string {
	return []string{
		s.ID, s.Name, s.QueueName, s.CronExpr, formatInterval(s.IntervalSec),
		strconv.FormatBool(s.Enabled), s.NextDueAt, s.LastJobID,
	}
}

func scheduleDetails(s ScheduleResponse) []Field {
	maxRetries := ""
	if s.MaxRetries != nil {
		maxRetries = strconv.Itoa(*s.MaxRetries)
	}
	return []Field{
		{"ID", s.ID},
		{"NAME", s.Name},
		{"QUEUE", s.QueueName},
		{"CRON", s.CronExpr},
		{"INTERVAL", formatInterval(s.IntervalSec)},
		{"TIMEZONE", s.Timezone},
		{"ENABLED", strconv.FormatBool(s.Enabled)},
		{"MAX_RETRIES", maxRetries},
		{"NEXT_DUE", s.NextDueAt},
		{"LAST_RUN", s.LastRunAt},
		{"LAST_JOB", s.LastJobID},
		{"RUN_CONTEXT", formatRunContext(s.RunContext)},
		{"PAYLOAD", string(s.Payload)},
		{"CREATED", s.CreatedAt},
	}
}

// NewScheduleCmd создаёт группу команд для управления schedules.
func NewScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage repeatable jobs",
	}

	cmd.AddCommand(
		newScheduleListCmd(clientFn, outputFn),
		newScheduleCreateCmd(clientFn, outputFn),
		newScheduleShowCmd(clientFn, outputFn),
		newScheduleDeleteCmd(clientFn, outputFn),
		newScheduleEnableCmd(clientFn, outputFn, true),
		newScheduleEnableCmd(clientFn, outputFn, false),
	)

	return cmd
}

func newScheduleListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var queue string
	var enabled bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			opts := ListSchedulesOpts{Queue: queue, Limit: limit}
			if cmd.Flags().Changed("enabled") {
				opts.Enabled = &enabled
			}

			schedules, err := client.ListSchedules(opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = scheduleRow(s)
			}

			out.Print(scheduleHeaders, rows, schedules)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Filter by queue")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "Filter by enabled flag")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newScheduleCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var name string
	var queue string
	var payload string
	var payloadFile string
	var runContext []string
	var maxRetries int
	var cronExpr string
	var intervalSec int
	var timezone string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a repeatable job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			rc, err := parseKeyValues(runContext)
			if err != nil {
				return err
			}

			req := CreateScheduleRequest{
				Name:        name,
				QueueName:   queue,
				Payload:     raw,
				RunContext:  rc,
				CronExpr:    cronExpr,
				IntervalSec: intervalSec,
				Timezone:    timezone,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if disabled {
				enabled := false
				req.Enabled = &enabled
			}

			schedule, err := client.CreateSchedule(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Schedule created: %s", schedule.ID))
			out.Print(scheduleHeaders, [][]string{scheduleRow(*schedule)}, schedule)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Schedule name (required)")
	cmd.Flags().StringVar(&queue, "queue", "scheduled", "Target queue")
	cmd.Flags().StringVar(&payload, "payload", "", "Job payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read job payload from file")
	cmd.Flags().StringSliceVar(&runContext, "context", nil, "Run context as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Requeue limit for each job")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (e.g. '0 * * * *')")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Interval in seconds")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Timezone (e.g. 'Europe/Moscow')")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the schedule disabled")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
	cmd.MarkFlagsOneRequired("cron", "interval")

	return cmd
}

func newScheduleShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show schedule details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			schedule, err := client.GetSchedule(args[0])
			if err != nil {
				return err
			}

			out.Details(scheduleDetails(*schedule), schedule)
			return nil
		},
	}
}

func newScheduleDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteSchedule(args[0]); err != nil {
				return err
			}
			outputFn().Success("Schedule deleted")
			return nil
		},
	}
}

func newScheduleEnableCmd(clientFn func() *Client, outputFn func() *Output, enabled bool) *cobra.Command {
	use, short, msg := "disable ID", "Disable a schedule", "Schedule disabled"
	if enabled {
		use, short, msg = "enable ID", "Enable a schedule", "Schedule enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			schedule, err := clientFn().SetScheduleEnabled(args[0], enabled)
			if err != nil {
				return err
			}

			out.Success(msg)
			out.Print(scheduleHeaders, [][]string{scheduleRow(*schedule)}, schedule)
			return nil
		},
	}
}

func formatInterval(sec int) string {
	if sec <= 0 {
		return ""
	}
	return strconv.Itoa(sec) + "s"
}
