package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vanlab/van/api"
	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/fs"
	"github.com/vanlab/van/logutil"
	"github.com/vanlab/van/model"
	_ "github.com/vanlab/van/model/models"
	"github.com/vanlab/van/progress"
	"github.com/vanlab/van/version"
)

// parseOverrides turns repeated key=value flags into model overrides. Values stay
// strings; model.New decodes them weakly typed.
func parseOverrides(pairs []string) (map[string]any, error) {
	overrides := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		overrides[key] = strings.TrimSpace(value)
	}
	return overrides, nil
}

// buildModel constructs the preset named by name with the --set overrides of
// cmd applied, then loads --checkpoint if given.
func buildModel(cmd *cobra.Command, name string) (model.Model, error) {
	pairs, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return nil, err
	}

	overrides, err := parseOverrides(pairs)
	if err != nil {
		return nil, err
	}

	done := spin(cmd, "building "+name)
	m, err := model.New(name, overrides)
	done()
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Lookup("checkpoint") == nil {
		return m, nil
	}

	path, err := cmd.Flags().GetString("checkpoint")
	if err != nil || path == "" {
		return m, err
	}

	done = spin(cmd, "loading "+path)
	tensors, err := fs.Open(path)
	if err == nil {
		err = model.Load(m, tensors)
	}
	done()

	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slog.Debug("loaded checkpoint", "path", path)
	return m, nil
}

// spin shows a spinner on stderr until the returned function is called. Nothing
// is drawn unless stderr is a terminal.
func spin(cmd *cobra.Command, message string) func() {
	w := cmd.ErrOrStderr()
	if !isTerminal(w) {
		return func() {}
	}

	p := progress.NewProgress(w)
	p.Add(progress.NewSpinner(message))
	return p.StopAndClear
}

// isTerminal reports whether w writes to a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// versionHandler prints the version of the server at VAN_HOST and warns when it
// differs from the client or cannot be reached.
func versionHandler(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()

	client, err := api.ClientFromEnvironment()
	if err != nil {
		fmt.Fprintf(out, "Warning: %v\n", err)
		fmt.Fprintf(out, "client version is %s\n", version.Version)
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		slog.Debug("version request failed", "error", err)
		fmt.Fprintln(out, "Warning: could not connect to a running van server")
		fmt.Fprintf(out, "client version is %s\n", version.Version)
		return
	}

	fmt.Fprintf(out, "van version is %s\n", serverVersion)
	if serverVersion != version.Version {
		fmt.Fprintf(out, "Warning: client version is %s\n", version.Version)
	}
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "van",
		Short:         "Visual Attention Network image classifier",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel))
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	showCmd := &cobra.Command{
		Use:   "show PRESET",
		Short: "Show the stages of a model preset",
		Args:  cobra.ExactArgs(1),
		RunE:  showHandler,
	}

	showCmd.Flags().Bool("env", false, "Show the environment configuration instead")

	runCmd := &cobra.Command{
		Use:   "run PRESET IMAGE...",
		Short: "Classify images locally",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runHandler,
	}

	runCmd.Flags().String("checkpoint", "", "Safetensors or PyTorch checkpoint to load")
	runCmd.Flags().Int("top-k", 5, "Number of classes to print per image")

	classifyCmd := &cobra.Command{
		Use:   "classify PRESET IMAGE...",
		Short: "Classify images with a running server",
		Args:  cobra.MinimumNArgs(2),
		RunE:  classifyHandler,
	}

	classifyCmd.Flags().Int("top-k", 5, "Number of classes to print per image")

	listCmd := &cobra.Command{
		Use:     "list [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List the presets of a running server",
		Args:    cobra.MaximumNArgs(1),
		RunE:    listHandler,
	}

	exportCmd := &cobra.Command{
		Use:   "export PRESET FILE",
		Short: "Write model parameters to a safetensors file",
		Args:  cobra.ExactArgs(2),
		RunE:  exportHandler,
	}

	exportCmd.Flags().String("checkpoint", "", "Checkpoint to convert instead of random weights")
	exportCmd.Flags().String("dtype", "F32", "Output data type (F32 or F16)")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the classification server",
		Args:    cobra.ExactArgs(0),
		RunE:    serveHandler,
	}

	envVars := envconfig.AsMap()
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		envVars["VAN_DEBUG"],
		envVars["VAN_HOST"],
		envVars["VAN_MODELS"],
		envVars["VAN_NUM_PARALLEL"],
		envVars["VAN_NUM_THREADS"],
		envVars["VAN_BACKEND"],
	})
	appendEnvDocs(runCmd, []envconfig.EnvVar{envVars["VAN_DEBUG"], envVars["VAN_BACKEND"]})
	appendEnvDocs(classifyCmd, []envconfig.EnvVar{envVars["VAN_HOST"]})
	appendEnvDocs(listCmd, []envconfig.EnvVar{envVars["VAN_HOST"]})

	for _, cmd := range []*cobra.Command{showCmd, runCmd, exportCmd} {
		cmd.Flags().StringArray("set", nil, "Override a configuration value, e.g. --set image_size=256")
	}

	rootCmd.AddCommand(
		serveCmd,
		showCmd,
		runCmd,
		classifyCmd,
		listCmd,
		exportCmd,
	)

	return rootCmd
}
