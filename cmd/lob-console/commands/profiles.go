package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lob-engine/console/internal/config"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/profile"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [name]",
	Short: "Print resolved boot parameters as YAML",
	Long: `Print the boot parameters the console hands to the engine. Without a name every
built-in profile is printed; unknown names resolve to the default profile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.Flags().String("asset-base-url", "./", "Base URL for BIOS, CD-ROM and wasm assets")
	profilesCmd.Flags().String("network-relay-url", "", "Relay URL override")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	baseURL := cfg.AssetBaseURL
	if cmd.Flags().Changed("asset-base-url") {
		baseURL, _ = cmd.Flags().GetString("asset-base-url")
	}
	relay, _ := cmd.Flags().GetString("network-relay-url")
	resolver := profile.NewResolver(baseURL, cfg.NetworkRelayURL)

	names := profile.Names()
	if len(args) == 1 {
		if !profile.Known(args[0]) {
			fmt.Fprintf(os.Stderr, "unknown profile %q, using %q\n", args[0], profile.Default)
		}
		names = args
	}

	params := make([]profile.BootParams, 0, len(names))
	for _, name := range names {
		params = append(params, resolver.Params(resolver.Resolve(name, profile.Overrides{RelayURL: relay})))
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(params); err != nil {
		return errors.Wrap(err, "encode failed")
	}
	return nil
}
