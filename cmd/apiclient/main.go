// Command apiclient calls a REST resource through the resilient client, keeping
// credentials in the OS keychain.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Item is an untyped resource representation.
type Item = map[string]any

type app struct {
	resource string
	cfg      apiclient.EnvConfig
	store    *apiclient.KeyringCredentialStore
	client   *apiclient.Client
	service  *apiclient.Service[Item]
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if apiclient.IsCancelled(err) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "apiclient",
		Short: "Call a REST resource with automatic credential refresh and retries",
		Long: `Call a REST resource with automatic credential refresh and retries.

Configuration is read from APICLIENT_* environment variables; APICLIENT_BASE_URL
is required. Credentials are stored in the OS keychain with "apiclient login".

Examples:
  # Store credentials
  apiclient login --access "$ACCESS" --refresh "$REFRESH"

  # Fetch one user
  apiclient --resource users get 42

  # List the second page of users, 50 per page
  apiclient --resource users list --page 2 --page-size 50`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context(), cmd.ErrOrStderr())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.client != nil {
				a.client.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&a.resource, "resource", "r", "", "resource path, e.g. users")

	cmd.AddCommand(
		a.newGetCmd(),
		a.newListCmd(),
		a.newSearchCmd(),
		a.newCreateCmd(),
		a.newDeleteCmd(),
		a.newLoginCmd(),
		a.newLogoutCmd(),
	)
	return cmd
}

func (a *app) init(ctx context.Context, stderr io.Writer) error {
	cfg, err := apiclient.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	logger := cfg.NewLogger(stderr)
	a.store = apiclient.NewKeyringCredentialStore(cfg.KeyringService, cfg.KeyringUser, logger)

	opts := append(cfg.Options(),
		apiclient.WithLogger(logger),
		apiclient.WithCredentialStore(a.store),
		apiclient.WithLogoutHandler(func(err error) {
			fmt.Fprintln(stderr, "Session expired, run \"apiclient login\" again:", err)
		}),
	)
	client, err := apiclient.NewClient(opts...)
	if err != nil {
		return err
	}
	a.client = client

	if a.resource != "" {
		a.service = apiclient.NewService[Item](client, a.resource, cfg.ServiceOptions()...)
	}
	return nil
}

func (a *app) requireService() error {
	if a.service == nil {
		return fmt.Errorf("--resource is required")
	}
	return nil
}

func (a *app) newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireService(); err != nil {
				return err
			}
			item, err := a.service.GetByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func (a *app) newListCmd() *cobra.Command {
	var params apiclient.ListParams

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a page of items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireService(); err != nil {
				return err
			}
			page, err := a.service.GetList(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	addPageFlags(cmd, &params)
	return cmd
}

func (a *app) newSearchCmd() *cobra.Command {
	var params apiclient.ListParams

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireService(); err != nil {
				return err
			}
			page, err := a.service.Search(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), page)
		},
	}
	addPageFlags(cmd, &params)
	return cmd
}

func (a *app) newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <json>",
		Short: "Create an item from a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireService(); err != nil {
				return err
			}
			var body Item
			if err := json.Unmarshal([]byte(args[0]), &body); err != nil {
				return fmt.Errorf("invalid JSON body: %w", err)
			}
			item, err := a.service.Create(cmd.Context(), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
}

func (a *app) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireService(); err != nil {
				return err
			}
			if err := a.service.DeleteByID(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", a.resource, args[0])
			return nil
		},
	}
}

func (a *app) newLoginCmd() *cobra.Command {
	var access, refresh string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store credentials in the OS keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if access == "" {
				return fmt.Errorf("--access is required")
			}
			a.store.SetTokens(&oauth2.Token{AccessToken: access, RefreshToken: refresh})
			fmt.Fprintf(cmd.OutOrStdout(), "Credentials stored for %s\n", a.cfg.KeyringUser)
			return nil
		},
	}
	cmd.Flags().StringVar(&access, "access", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh", "", "refresh token")
	return cmd
}

func (a *app) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.store.ClearTokens()
			fmt.Fprintln(cmd.OutOrStdout(), "Credentials removed")
			return nil
		},
	}
}

func addPageFlags(cmd *cobra.Command, params *apiclient.ListParams) {
	cmd.Flags().IntVar(&params.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&params.PageSize, "page-size", apiclient.DefaultPageSize,
		"items per page (max "+strconv.Itoa(apiclient.MaxPageSize)+")")
	cmd.Flags().StringVar(&params.Sort, "sort", "", "sort expression")
	cmd.Flags().StringToStringVar(&params.Filters, "filter", nil, "filters as key=value")
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
