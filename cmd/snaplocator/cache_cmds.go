package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easeaico/snaplocator/internal/cache"
	"github.com/easeaico/snaplocator/internal/fingerprint"
	"github.com/easeaico/snaplocator/internal/service"
	"github.com/easeaico/snaplocator/internal/snapshot"
)

var (
	putID       string
	putDevice   string
	putPackage  string
	putActivity string

	getHash    string
	getContent bool

	latestPackage  string
	latestActivity string

	cleanupWatch bool

	similarLimit int
)

var putCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Store a captured UI snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runPut),
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Look up a snapshot by id or content hash",
	Long: `Look up a snapshot by id or content hash.

Examples:
  snaplocator get 0190f5c2-...            # by id
  snaplocator get --hash 3a7bd3e2...      # by content hash`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(runGet),
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent snapshot, optionally scoped to a page",
	RunE:  withApp(runLatest),
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired snapshots and trim the cache to capacity",
	RunE:  withApp(runCleanup),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE:  withApp(runStats),
}

var diffCmd = &cobra.Command{
	Use:   "diff <id-a> <id-b>",
	Short: "Show a unified diff between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE:  withApp(runDiff),
}

var similarCmd = &cobra.Command{
	Use:   "similar <file|->",
	Short: "Find stored snapshots structurally similar to a screen",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runSimilar),
}

func init() {
	putCmd.Flags().StringVar(&putID, "id", "", "Snapshot id (generated when empty)")
	putCmd.Flags().StringVar(&putDevice, "device", "", "Capturing device id")
	putCmd.Flags().StringVar(&putPackage, "package", "", "App package for page-scoped lookups")
	putCmd.Flags().StringVar(&putActivity, "activity", "", "Activity for page-scoped lookups")

	getCmd.Flags().StringVar(&getHash, "hash", "", "Look up by content hash instead of id")
	getCmd.Flags().BoolVar(&getContent, "content", false, "Print the raw snapshot content")

	latestCmd.Flags().StringVar(&latestPackage, "package", "", "Restrict to this app package")
	latestCmd.Flags().StringVar(&latestActivity, "activity", "", "Restrict to this activity")
	latestCmd.Flags().BoolVar(&getContent, "content", false, "Print the raw snapshot content")

	cleanupCmd.Flags().BoolVar(&cleanupWatch, "watch", false, "Keep running and clean up on the configured interval")

	similarCmd.Flags().IntVarP(&similarLimit, "limit", "n", 5, "Number of snapshots to show")

	rootCmd.AddCommand(putCmd, getCmd, latestCmd, cleanupCmd, statsCmd, diffCmd, similarCmd)
}

// entryView is the printed form of a snapshot.
type entryView struct {
	ID          string               `json:"id"`
	Hash        fingerprint.Hash     `json:"hash"`
	CapturedAt  string               `json:"capturedAt"`
	Origin      snapshot.Origin      `json:"origin,omitzero"`
	PageContext snapshot.PageContext `json:"pageContext"`
	Meta        *snapshot.Meta       `json:"disambiguationMeta,omitempty"`
}

func printEntry(cmd *cobra.Command, e *snapshot.Entry, withContent bool) error {
	if e == nil {
		return service.ErrSnapshotNotFound
	}
	if withContent {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), e.Content)
		return err
	}
	return printJSON(cmd.OutOrStdout(), entryView{
		ID:          e.ID,
		Hash:        e.ContentHash,
		CapturedAt:  e.CapturedTime().Format("2006-01-02T15:04:05.000Z07:00"),
		Origin:      e.Origin,
		PageContext: e.PageContext,
		Meta:        e.Meta,
	})
}

func runPut(cmd *cobra.Command, args []string, a *app) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	req := cache.PutRequest{
		ID:      putID,
		Content: string(data),
		Origin:  snapshot.Origin{DeviceID: putDevice},
	}
	if putPackage != "" || putActivity != "" {
		req.Meta = &snapshot.Meta{PackageName: putPackage, Activity: putActivity}
	}
	e, err := a.engine.Capture(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printEntry(cmd, e, false)
}

func runGet(cmd *cobra.Command, args []string, a *app) error {
	ctx := cmd.Context()
	var (
		e   *snapshot.Entry
		err error
	)
	switch {
	case getHash != "":
		e, err = a.engine.Cache().GetByHash(ctx, fingerprint.Hash(strings.ToLower(getHash)))
	case len(args) == 1:
		e, err = a.engine.Cache().Get(ctx, args[0])
	default:
		return fmt.Errorf("id or --hash required")
	}
	if err != nil {
		return err
	}
	return printEntry(cmd, e, getContent)
}

func runLatest(cmd *cobra.Command, _ []string, a *app) error {
	var filter *snapshot.Meta
	if latestPackage != "" || latestActivity != "" {
		filter = &snapshot.Meta{PackageName: latestPackage, Activity: latestActivity}
	}
	e, err := a.engine.Cache().GetLatest(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printEntry(cmd, e, getContent)
}

func runCleanup(cmd *cobra.Command, _ []string, a *app) error {
	c := a.engine.Cache()
	if cleanupWatch {
		c.Run(cmd.Context())
		return nil
	}
	res, err := c.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runStats(cmd *cobra.Command, _ []string, a *app) error {
	return printJSON(cmd.OutOrStdout(), a.engine.Cache().Stats(cmd.Context()))
}

func runDiff(cmd *cobra.Command, args []string, a *app) error {
	diff, err := a.engine.Cache().Diff(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if diff == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "snapshots are identical")
		return nil
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), diff)
	return err
}

func runSimilar(cmd *cobra.Command, args []string, a *app) error {
	data, err := readInput(args[0])
	if err != nil {
		return err
	}
	matches, err := a.engine.Cache().Similar(cmd.Context(), string(data), similarLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range matches {
		fmt.Fprintf(out, "%.3f  %s  %s  %s\n", m.Score, m.Entry.ID, m.Entry.ContentHash.Short(), m.Entry.PageContext.PageType)
	}
	return nil
}
