package main

import (
	"encoding/json"

	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/resolve"

	"github.com/spf13/cobra"
)

type resolveOptions struct {
	session           bool
	loading           bool
	preserve          bool
	current           string
	preferred         string
	intent            string
	clientCompleted   bool
	providerCompleted bool
}

// newResolveCmd evaluates the resolution rules offline, for support and debugging.
func newResolveCmd() *cobra.Command {
	var o resolveOptions
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Evaluate the role resolution rules for a given input",
		Example: `  bfa resolve --preferred service-provider --client-completed --provider-completed
  bfa resolve --intent client --provider-completed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd, o)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&o.session, "session", true, "a principal is signed in")
	f.BoolVar(&o.loading, "loading", false, "a reload is in flight")
	f.BoolVar(&o.preserve, "preserve", false, "keep --current when it is set")
	f.StringVar(&o.current, "current", "", "role active before this pass")
	f.StringVar(&o.preferred, "preferred", "", "raw accounts.preferred_role value")
	f.StringVar(&o.intent, "intent", "", "pending role intent of the device")
	f.BoolVar(&o.clientCompleted, "client-completed", false, "client profile exists and is completed")
	f.BoolVar(&o.providerCompleted, "provider-completed", false, "service provider profile exists and is completed")
	return cmd
}

type resolveOutput struct {
	ActiveRole domain.Role `json:"activeRole"`
	NeedsSetup bool        `json:"needsSetup"`
	SetupRole  domain.Role `json:"setupRole"`
}

func runResolve(cmd *cobra.Command, o resolveOptions) error {
	out := resolve.Resolve(resolve.Input{
		HasSession:        o.session,
		Loading:           o.loading,
		PreserveCurrent:   o.preserve,
		CurrentRole:       domain.ParseRole(o.current),
		PreferredRole:     o.preferred,
		PendingIntent:     domain.ParseRole(o.intent),
		ClientCompleted:   o.clientCompleted,
		ProviderCompleted: o.providerCompleted,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resolveOutput{
		ActiveRole: out.ActiveRole,
		NeedsSetup: out.NeedsSetup,
		SetupRole:  out.SetupRole,
	})
}
