package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/kalambet/larder/internal/api"
	"github.com/kalambet/larder/internal/config"
	"github.com/kalambet/larder/internal/ingest"
	"github.com/kalambet/larder/internal/recipe"
	"github.com/kalambet/larder/internal/review"
	"github.com/kalambet/larder/internal/task"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <url | query>",
	Short: "Start ingesting a recipe",
	Long: `Start ingesting a recipe from a URL, or from the first result of a search.

Examples:
  larder ingest https://example.com/tomato-soup
  larder ingest --search "tomato soup" --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		searchMode, _ := cmd.Flags().GetBool("search")
		thread, _ := cmd.Flags().GetString("thread")
		wait, _ := cmd.Flags().GetBool("wait")

		mode := task.ModeURL
		if searchMode {
			mode = task.ModeSearch
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		view, err := createTask(ctx, client, ingest.CreateRequest{
			ThreadID: thread,
			Agent:    "cli",
			Mode:     mode,
			Payload:  args[0],
		})
		if err != nil {
			return err
		}
		printSuccess("Queued task %s", view.Task.ID)
		if !wait {
			return nil
		}

		st, err := waitForTask(ctx, client, view.Task.ID, 500*time.Millisecond)
		if err != nil {
			return err
		}
		printState(st)
		return nil
	},
}

func init() {
	ingestCmd.Flags().Bool("search", false, "treat the argument as a search query")
	ingestCmd.Flags().String("thread", "", "thread id to publish progress on")
	ingestCmd.Flags().Bool("wait", false, "wait until the draft is ready or the task ends")
}

func createTask(ctx context.Context, c *apiClient, req ingest.CreateRequest) (api.TaskView, error) {
	resp, err := c.post(ctx, "/tasks", req)
	if err != nil {
		return api.TaskView{}, err
	}
	var view api.TaskView
	if err := decodeJSON(resp, &view); err != nil {
		return api.TaskView{}, err
	}
	return view, nil
}

func getState(ctx context.Context, c *apiClient, id string) (task.State, error) {
	resp, err := c.get(ctx, "/tasks/"+url.PathEscape(id)+"/state")
	if err != nil {
		return task.State{}, err
	}
	var st task.State
	if err := decodeJSON(resp, &st); err != nil {
		return task.State{}, err
	}
	return st, nil
}

// waitForTask polls the task state until it leaves Pending/Running.
func waitForTask(ctx context.Context, c *apiClient, id string, every time.Duration) (task.State, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := -1
	for {
		st, err := getState(ctx, c, id)
		if err != nil {
			return task.State{}, err
		}
		if st.Progress != last && st.Phase != "" {
			printStep("%s %d%%", st.Phase, st.Progress)
			last = st.Progress
		}
		if st.Status != task.StatusPending && st.Status != task.StatusRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/tasks?"+q.Encode())
		if err != nil {
			return err
		}
		var views []api.TaskView
		if err := decodeJSON(resp, &views); err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%s  %-13s %3d%%  %s\n", v.Task.ID, statusLabel(v.Status), v.Progress, truncate(v.Task.Payload, 60))
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().String("status", "", "only show tasks with this status")
	tasksCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
}

// --- state ---

var stateCmd = &cobra.Command{
	Use:   "state <task-id>",
	Short: "Show the progress of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		st, err := getState(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printState(st)
		return nil
	},
}

// --- draft ---

type draftResponse struct {
	TaskID  string        `json:"task_id"`
	Status  task.Status   `json:"status"`
	Version int64         `json:"version"`
	Draft   *recipe.Draft `json:"draft"`
}

var draftCmd = &cobra.Command{
	Use:   "draft <task-id>",
	Short: "Show the draft of a review-ready task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/draft")
		if err != nil {
			return err
		}
		var d draftResponse
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		printDraft(d)
		return nil
	},
}

func init() {
	draftCmd.Flags().Bool("json", false, "print the full draft as JSON")
}

func printDraft(d draftResponse) {
	printStatus("Task", "%s (version %d)", d.TaskID, d.Version)
	if d.Draft == nil {
		return
	}
	r := d.Draft.Recipe
	printStatus("Name", "%s", r.Name)
	printStatus("Source", "%s", d.Draft.Source.URL)
	printStatus("Method", "%s (confidence %.2f)", d.Draft.Source.ExtractionMethod, d.Draft.Source.Confidence)
	printStatus("Ingredients", "%d", len(r.Ingredients))
	printStatus("Steps", "%d", len(r.Instructions))
	if !d.Draft.Validation.IsValid() {
		printWarning("validation: %d error(s)", len(d.Draft.Validation.Errors))
	}
	sim := d.Draft.Similarity
	switch {
	case sim.StillViolatesPolicy:
		printWarning("similarity: still too close to the source after repair")
	case sim.RepairAttempted:
		printStatus("Similarity", "%s", green("repaired"))
	default:
		printStatus("Similarity", "%s", green("ok"))
	}
}

// --- commit / reject / cancel ---

var commitCmd = &cobra.Command{
	Use:   "commit <task-id>",
	Short: "Commit a reviewed draft into the recipe collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var req api.CommitRequest
		if cmd.Flags().Changed("version") {
			v, _ := cmd.Flags().GetInt64("version")
			req.ExpectedVersion = &v
		}
		res, err := commitDraft(cmd.Context(), client, args[0], req)
		if err != nil {
			return err
		}
		if res.AlreadyCommitted {
			printSuccess("Already committed as recipe %s", res.Recipe.ID)
		} else {
			printSuccess("Committed recipe %s", res.Recipe.ID)
		}
		for _, w := range res.Warnings {
			printWarning("%s", w)
		}
		return nil
	},
}

func init() {
	commitCmd.Flags().Int64("version", 0, "version of the draft that was reviewed")
}

func commitDraft(ctx context.Context, c *apiClient, id string, req api.CommitRequest) (review.Result, error) {
	resp, err := c.post(ctx, "/tasks/"+url.PathEscape(id)+"/commit", req)
	if err != nil {
		return review.Result{}, err
	}
	var res review.Result
	if err := decodeJSON(resp, &res); err != nil {
		return review.Result{}, err
	}
	return res, nil
}

var rejectCmd = &cobra.Command{
	Use:   "reject <task-id>",
	Short: "Reject a reviewed draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/reject", api.RejectRequest{Reason: reason})
		if err != nil {
			return err
		}
		var view api.TaskView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Rejected task %s", view.Task.ID)
		return nil
	},
}

func init() {
	rejectCmd.Flags().String("reason", "", "why the draft was rejected")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var view api.TaskView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		printSuccess("Cancelled task %s", view.Task.ID)
		return nil
	},
}

// --- recipe ---

var recipeCmd = &cobra.Command{
	Use:   "recipe <recipe-id>",
	Short: "Show a committed recipe as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/recipes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var r recipe.Recipe
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	},
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <thread-id>",
	Short: "Stream progress events for a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchThread(cmd.Context(), client, args[0], func(ev task.Event) {
			fmt.Printf("%s  %s  %-13s %3d%%  %s\n",
				ev.At.Local().Format("15:04:05"), ev.TaskID, statusLabel(ev.Status), ev.Progress, ev.Phase)
		})
	},
}

// watchThread relays thread events to fn until ctx ends or the server
// closes the stream.
func watchThread(ctx context.Context, c *apiClient, threadID string, fn func(task.Event)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/threads/" + url.PathEscape(threadID) + "/events"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev task.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		fn(ev)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", bold(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.ConfigFilePath())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
