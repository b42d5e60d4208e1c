package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/easeaico/snaplocator/internal/bundle"
	"github.com/easeaico/snaplocator/internal/locator"
	"github.com/easeaico/snaplocator/internal/matcher"
	"github.com/easeaico/snaplocator/internal/service"
	"github.com/easeaico/snaplocator/internal/steps"
	"github.com/easeaico/snaplocator/internal/tools"
)

var (
	matchOpts       matcher.Options
	matchPosition   string
	resolveLocator  string
	resolveSnapshot string
	resolveContent  string

	bindStep     string
	bindSnapshot string
	bindElement  string
	bindRetain   bool

	replayStep string
	replayLive string

	migrateRetain bool
	outputPath    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Find the element a locator points to in a snapshot",
	Long: `Find the element a locator points to in a snapshot.

The target snapshot is --content when given, else the cached snapshot
--snapshot, else the most recent snapshot.`,
	RunE: withApp(runResolve),
}

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Build a locator for a selected element and attach it to a step",
	RunE:  withApp(runBind),
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Resolve a bound step against the live screen or its snapshot",
	RunE:  withApp(runReplay),
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <steps.json>",
	Short: "Rewrite legacy steps to reference cached snapshots",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runMigrate),
}

var exportCmd = &cobra.Command{
	Use:   "export <steps.json>",
	Short: "Bundle steps with the snapshots they reference",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runExport),
}

var importCmd = &cobra.Command{
	Use:   "import <bundle.json>",
	Short: "Merge an exported bundle into the cache",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runImport),
}

var toolCmd = &cobra.Command{
	Use:   "tool <name> [json-args]",
	Short: "Invoke an agent tool directly",
	Long: `Invoke an agent tool directly and print its result envelope.

Examples:
  snaplocator tool cache_stats
  snaplocator tool lookup_snapshot '{"id":"home","include_content":true}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: withApp(runTool),
}

func addMatchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&matchPosition, "position", "", "Ordinal selection: first, last, middle or index")
	cmd.Flags().IntVar(&matchOpts.Index, "index", 0, "0-based ordinal for --position index")
	cmd.Flags().StringSliceVar(&matchOpts.Exclude, "exclude", nil, "Reject candidates whose label contains this text")
	cmd.Flags().Float64Var(&matchOpts.Floor, "floor", 0, "Confidence floor override")
}

func init() {
	resolveCmd.Flags().StringVar(&resolveLocator, "locator", "", "Locator JSON file (- for stdin)")
	resolveCmd.Flags().StringVar(&resolveSnapshot, "snapshot", "", "Cached snapshot id")
	resolveCmd.Flags().StringVar(&resolveContent, "content", "", "Snapshot XML file")
	resolveCmd.MarkFlagRequired("locator")
	addMatchFlags(resolveCmd)

	bindCmd.Flags().StringVar(&bindStep, "step", "", "Step JSON file (- for stdin)")
	bindCmd.Flags().StringVar(&bindSnapshot, "snapshot", "", "Owning snapshot id (defaults to the latest)")
	bindCmd.Flags().StringVar(&bindElement, "element", "", "Selected element JSON file")
	bindCmd.Flags().BoolVar(&bindRetain, "retain", false, "Keep a full copy of the snapshot on the step")
	bindCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the step here instead of stdout")
	bindCmd.MarkFlagRequired("step")
	bindCmd.MarkFlagRequired("element")

	replayCmd.Flags().StringVar(&replayStep, "step", "", "Step JSON file (- for stdin)")
	replayCmd.Flags().StringVar(&replayLive, "live", "", "Current screen XML file")
	replayCmd.MarkFlagRequired("step")
	addMatchFlags(replayCmd)

	migrateCmd.Flags().BoolVar(&migrateRetain, "retain", false, "Keep a full copy of each snapshot on its step")
	migrateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write migrated steps here instead of stdout")

	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the bundle here instead of stdout")

	importCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the remapped steps here")

	rootCmd.AddCommand(resolveCmd, bindCmd, replayCmd, migrateCmd, exportCmd, importCmd, toolCmd)
}

func matchOptions() matcher.Options {
	opts := matchOpts
	opts.Position = matcher.Position(strings.ToLower(matchPosition))
	return opts
}

func runResolve(cmd *cobra.Command, _ []string, a *app) error {
	var loc locator.ElementLocator
	if err := readJSON(resolveLocator, &loc); err != nil {
		return err
	}

	ctx := cmd.Context()
	var content string
	switch {
	case resolveContent != "":
		data, err := readInput(resolveContent)
		if err != nil {
			return err
		}
		content = string(data)
	case resolveSnapshot != "":
		e, err := a.engine.Cache().Get(ctx, resolveSnapshot)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("snapshot %s: %w", resolveSnapshot, service.ErrSnapshotNotFound)
		}
		content = e.Content
	default:
		e, err := a.engine.Cache().GetLatest(ctx, nil)
		if err != nil {
			return err
		}
		if e == nil {
			return service.ErrSnapshotNotFound
		}
		content = e.Content
	}

	res, err := a.engine.Resolver().Resolve(&loc, content, matchOptions())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runBind(cmd *cobra.Command, _ []string, a *app) error {
	var (
		step steps.Step
		el   locator.SelectedElement
	)
	if err := readJSON(bindStep, &step); err != nil {
		return err
	}
	if err := readJSON(bindElement, &el); err != nil {
		return err
	}
	out, _, err := a.engine.Bind(cmd.Context(), service.BindRequest{
		Step:         step,
		SnapshotID:   bindSnapshot,
		Element:      el,
		RetainInline: bindRetain,
	})
	if err != nil {
		return err
	}
	return writeOutput(cmd, outputPath, out)
}

func runReplay(cmd *cobra.Command, _ []string, a *app) error {
	var step steps.Step
	if err := readJSON(replayStep, &step); err != nil {
		return err
	}
	req := service.ReplayRequest{Step: step, Options: matchOptions()}
	if replayLive != "" {
		data, err := readInput(replayLive)
		if err != nil {
			return err
		}
		req.Live = string(data)
	}
	res, err := a.engine.Replay(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runMigrate(cmd *cobra.Command, args []string, a *app) error {
	var list []steps.Step
	if err := readJSON(args[0], &list); err != nil {
		return err
	}
	results, err := a.engine.Migrate(cmd.Context(), list, steps.Options{RetainInline: migrateRetain})
	if err != nil {
		return err
	}
	out := make([]steps.Step, len(results))
	for i, r := range results {
		out[i] = r.Step
		if r.Migrated {
			a.logger.Info("steps: migrated", "step", r.Step.ID, "changes", strings.Join(r.Changes, ","))
		}
	}
	return writeOutput(cmd, outputPath, out)
}

func runExport(cmd *cobra.Command, args []string, a *app) error {
	var list []steps.Step
	if err := readJSON(args[0], &list); err != nil {
		return err
	}
	b, err := a.engine.Export(cmd.Context(), list)
	if err != nil {
		return err
	}
	if outputPath == "" {
		return b.Encode(cmd.OutOrStdout())
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer f.Close()
	return b.Encode(f)
}

func runImport(cmd *cobra.Command, args []string, a *app) error {
	var (
		b   *bundle.Bundle
		err error
	)
	if args[0] == "-" {
		b, err = bundle.Decode(os.Stdin)
	} else {
		f, ferr := os.Open(args[0])
		if ferr != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], ferr)
		}
		defer f.Close()
		b, err = bundle.Decode(f)
	}
	if err != nil {
		return err
	}

	report, err := a.engine.Import(cmd.Context(), b)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "created %d, skipped %d, invalid %d\n", report.Created, report.Skipped, report.Invalid)
	if outputPath != "" {
		return writeOutput(cmd, outputPath, report.Steps)
	}
	return nil
}

func runTool(cmd *cobra.Command, args []string, a *app) error {
	var toolArgs map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
			return fmt.Errorf("failed to parse tool arguments: %w", err)
		}
	}
	h := tools.NewHandler(a.engine.Cache(), a.engine.Resolver())
	out, err := h.HandleToolCall(cmd.Context(), args[0], toolArgs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}
