package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var jobHeaders = []string{"ID", "QUEUE", "STATUS", "ATTEMPT", "RETRIES", "WORKER", "UPDATED"}

func jobRow(j JobResponse) []string {
	return []string{
		j.ExecutionCorrelationID, j.QueueName, j.Status,
		strconv.Itoa(j.Attempt),
		fmt.Sprintf("%d/%d", j.Retries, j.MaxRetries),
		j.WorkerID, j.UpdatedAt,
	}
}

func jobDetails(j JobResponse) []Field {
	return []Field{
		{"ID", j.ExecutionCorrelationID},
		{"QUEUE", j.QueueName},
		{"STATUS", j.Status},
		{"MESSAGE", j.Message},
		{"ATTEMPT", strconv.Itoa(j.Attempt)},
		{"RETRIES", fmt.Sprintf("%d/%d", j.Retries, j.MaxRetries)},
		{"WORKER", j.WorkerID},
		{"LEASE_EXPIRES", j.LeaseExpiresAt},
		{"RETRY_AT", j.RetryAt},
		{"RUN_CONTEXT", formatRunContext(j.RunContext)},
		{"PAYLOAD", string(j.Payload)},
		{"OUTPUT", string(j.Output)},
		{"CREATED", j.CreatedAt},
		{"UPDATED", j.UpdatedAt},
		{"FINISHED", j.FinishedAt},
	}
}

// NewJobCmd создаёт группу команд для управления jobs.
func NewJobCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
	}

	cmd.AddCommand(
		newJobEnqueueCmd(clientFn, outputFn),
		newJobListCmd(clientFn, outputFn),
		newJobShowCmd(clientFn, outputFn),
		newJobRequeueCmd(clientFn, outputFn),
		newJobReportCmd(clientFn, outputFn),
	)

	return cmd
}

func newJobEnqueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var payload string
	var payloadFile string
	var runContext []string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "enqueue QUEUE",
		Short: "Enqueue a job",
		Args:  cobra.ExactArgs(1),
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

			req := EnqueueJobRequest{
				QueueName:  args[0],
				Payload:    raw,
				RunContext: rc,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			id, err := client.EnqueueJob(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Job enqueued: %s", id))
			out.Print([]string{"ID"}, [][]string{{id}}, map[string]string{"execution_correlation_id": id})
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Job payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read job payload from file")
	cmd.Flags().StringSliceVar(&runContext, "context", nil, "Run context as KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Requeue limit (coordinator default if not specified)")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func newJobListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var queue string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			jobs, err := client.ListJobs(ListJobsOpts{
				Queue:  queue,
				Status: strings.ToUpper(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i, j := range jobs {
				rows[i] = jobRow(j)
			}

			out.Print(jobHeaders, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Filter by queue")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (QUEUED, CLAIMED, RUNNING, COMPLETED, FAILED, TIMED_OUT, RETRY_EXHAUSTED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newJobShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}

			out.Details(jobDetails(*job), job)
			return nil
		},
	}
}

func newJobRequeueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID",
		Short: "Requeue a failed or timed out job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			job, err := client.RequeueJob(args[0])
			if err != nil {
				return err
			}

			out.Success("Job requeued")
			out.Print(jobHeaders, [][]string{jobRow(*job)}, job)
			return nil
		},
	}
}

func newJobReportCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "report ID STATUS",
		Short: "Report a job status on behalf of an external system",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.ReportJob(args[0], strings.ToUpper(args[1]), message); err != nil {
				return err
			}

			out.Success("Status reported")
			return nil
		},
	}

	cmd.Flags().StringVar(&message, "message", "", "Diagnostic message")

	return cmd
}

// readPayload возвращает payload из флага или файла.
func readPayload(payload, file string) (json.RawMessage, error) {
	data := []byte(payload)
	if file != "" {
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid format %q, expected KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}
