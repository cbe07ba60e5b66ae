package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/gateway"
	"github.com/arbiterhq/arbiter/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a prompt through the running gateway",
	Long: `Send a prompt through the running gateway.

Examples:
  arbiter chat "What is the capital of France?"
  arbiter chat --model gpt-4o-mini --temperature 0.2 "Summarize RFC 9110"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		temperature, _ := cmd.Flags().GetFloat32("temperature")
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"prompt":      args[0],
			"temperature": temperature,
		}
		if model != "" {
			body["model"] = model
		}
		if userID != "" {
			body["user_id"] = userID
		}

		resp, err := client.post(cmd.Context(), "/chat", body)
		if err != nil {
			return err
		}

		var out gateway.Response
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, out.Answer)
		printStatus("Model", "%s", out.Model)
		printStatus("Latency", "%.0f ms", out.LatencyMs)
		printStatus("Cached", "%v", out.Cached)
		if out.HallucinationFlag {
			printWarning("answer failed verification")
		}
		printStatus("Trace", "%s", out.TraceID)
		return nil
	},
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback [trace-id] [score]",
	Short: "Score a previous answer (-1, 0 or 1)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[1])
		if err != nil || score < -1 || score > 1 {
			return fmt.Errorf("score must be -1, 0 or 1")
		}
		comment, _ := cmd.Flags().GetString("comment")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/feedback", map[string]any{
			"trace_id": args[0],
			"score":    score,
			"comment":  comment,
		})
		if err != nil {
			return err
		}

		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Recorded feedback %s", out["id"])
		return nil
	},
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect the interaction log (requires ARBITER_API_TOKEN)",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/admin/interactions?limit=%d", limit))
		if err != nil {
			return err
		}

		var interactions []storage.Interaction
		if err := decodeJSON(resp, &interactions); err != nil {
			return err
		}
		if len(interactions) == 0 {
			fmt.Fprintln(os.Stdout, "no interactions recorded")
			return nil
		}

		for _, in := range interactions {
			prompt := in.Prompt
			if len(prompt) > 60 {
				prompt = prompt[:60] + "..."
			}
			flags := []string{}
			if in.Cached {
				flags = append(flags, "cached")
			}
			if !in.Verified {
				flags = append(flags, "unverified")
			}
			suffix := ""
			if len(flags) > 0 {
				suffix = " [" + strings.Join(flags, ",") + "]"
			}
			fmt.Fprintf(os.Stdout, "%s  %s  %-14s %s%s\n",
				in.CreatedAt.Format(time.RFC3339), in.TraceID, in.Model, prompt, suffix)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show [trace-id]",
	Short: "Show one interaction with its feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/admin/interactions/"+args[0])
		if err != nil {
			return err
		}

		var out struct {
			Interaction storage.Interaction `json:"interaction"`
			Feedback    []storage.Feedback  `json:"feedback"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		in := out.Interaction
		printStatus("Trace", "%s", in.TraceID)
		printStatus("Created", "%s", in.CreatedAt.Format(time.RFC3339))
		printStatus("User", "%s", in.UserID)
		printStatus("Model", "%s", in.Model)
		printStatus("Latency", "%.0f ms", in.LatencyMs)
		printStatus("Cached", "%v", in.Cached)
		printStatus("Verified", "%v", in.Verified)
		fmt.Fprintf(os.Stdout, "\nPrompt:\n%s\n\nResponse:\n%s\n", in.Prompt, in.Response)
		if len(out.Feedback) > 0 {
			fmt.Fprintln(os.Stdout, "\nFeedback:")
			for _, fb := range out.Feedback {
				fmt.Fprintf(os.Stdout, "  %+d %s\n", fb.Score, fb.Comment)
			}
		}
		return nil
	},
}

func init() {
	chatCmd.Flags().String("model", "", "preferred model")
	chatCmd.Flags().Float32("temperature", 0.7, "sampling temperature 0..2")
	chatCmd.Flags().String("user", "", "user ID for the interaction log")

	feedbackCmd.Flags().String("comment", "", "free-form comment")

	interactionsListCmd.Flags().Int("limit", 20, "maximum rows")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}
