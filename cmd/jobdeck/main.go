// jobdeck is the command-line client for the orchestrator: upload
// application bundles, submit jobs and follow their lifecycle.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jobdeck/jobdeck/appstore"
	"github.com/jobdeck/jobdeck/client"
	"github.com/jobdeck/jobdeck/pkg/errors"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	serverURL string
	token     string
}

func (o *cliOptions) client() *client.Client {
	return client.New(client.Config{BaseURL: o.serverURL, Token: o.token})
}

func newCommand() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "jobdeck",
		Short:         "jobdeck manages applications and job submissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:8620", "orchestrator base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token for the orchestrator API")

	cmd.AddCommand(
		newAppCommand(opts),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newHistoryCommand(opts),
		newCancelCommand(opts),
	)
	return cmd
}

func newAppCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "manage application templates",
	}

	var (
		appID  string
		tenant string
	)
	upload := &cobra.Command{
		Use:   "upload <bundle-dir>",
		Short: "upload an application bundle directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appstore.LoadBundle(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			c := opts.client()
			defer c.Close()
			resp, err := c.CreateApplication(cmd.Context(), client.CreateApplicationRequest{
				ID:       appID,
				Name:     app.Name,
				Tenant:   tenant,
				Template: app.Template,
				Schema:   app.Schema,
			})
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %s as %s version %d\n", app.Name, resp.ID, resp.Version)
			return nil
		},
	}
	upload.Flags().StringVar(&appID, "id", "", "revise this application instead of creating a new one")
	upload.Flags().StringVar(&tenant, "tenant", "", "owning tenant")

	var (
		page    int
		perPage int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "list applications, latest version each, one page at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			defer c.Close()
			listed, err := c.ListApplications(cmd.Context(), page, perPage)
			if err != nil {
				return err
			}
			for _, app := range listed.Results {
				fmt.Printf("%s\tv%d\t%s\n", app.ID, app.Version, app.Name)
			}
			if listed.Total > len(listed.Results) {
				fmt.Printf("page %d, %d of %d applications\n", listed.Page, len(listed.Results), listed.Total)
			}
			return nil
		},
	}
	list.Flags().IntVar(&page, "page", 0, "page number, counting from 0")
	list.Flags().IntVar(&perPage, "per-page", 0, "applications per page, 0 uses the server default")

	var version int64
	get := &cobra.Command{
		Use:   "get <app-id>",
		Short: "show one application as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			defer c.Close()
			app, err := c.GetApplication(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			return printJSON(app)
		},
	}
	get.Flags().Int64Var(&version, "version", 0, "application version, 0 means latest")

	cmd.AddCommand(upload, list, get)
	return cmd
}

func newSubmitCommand(opts *cliOptions) *cobra.Command {
	var (
		site       string
		tenant     string
		appVersion int64
		params     []string
	)
	cmd := &cobra.Command{
		Use:   "submit <app-id>",
		Short: "render and enqueue a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			c := opts.client()
			defer c.Close()
			sub, err := c.CreateSubmission(cmd.Context(), client.CreateSubmissionRequest{
				AppID:      args[0],
				AppVersion: appVersion,
				Site:       site,
				Tenant:     tenant,
				Params:     parsed,
			})
			if err != nil {
				return err
			}
			fmt.Printf("submitted %s on site %s (%s)\n", sub.ID, sub.Site, sub.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "", "target site (required)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "owning tenant")
	cmd.Flags().Int64Var(&appVersion, "app-version", 0, "pin the application version, 0 means latest")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter as name=value, repeatable")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

// parseParams turns name=value pairs into typed values. Values that parse as
// numbers or booleans are passed through typed so schema coercion sees them
// the same way a JSON client would send them.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, errors.ErrBadRequest.GenWithStackByArgs("parameter must be name=value, got " + pair)
		}
		switch {
		case value == "true" || value == "false":
			params[name] = value == "true"
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				params[name] = n
			} else if f, err := strconv.ParseFloat(value, 64); err == nil {
				params[name] = f
			} else {
				params[name] = value
			}
		}
	}
	return params, nil
}

func newStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <submission-id>",
		Short: "show one submission as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			defer c.Close()
			sub, err := c.GetSubmission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(sub)
		},
	}
}

func newHistoryCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <submission-id>",
		Short: "show the state history of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			defer c.Close()
			history, err := c.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, change := range history {
				line := fmt.Sprintf("%s\t%s", change.Time.Format("2006-01-02T15:04:05Z07:00"), change.State)
				if change.Detail != "" {
					line += "\t" + change.Detail
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newCancelCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <submission-id>",
		Short: "request cancellation of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			defer c.Close()
			result, err := c.CancelSubmission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if result.Immediate {
				fmt.Println("cancelled")
			} else {
				fmt.Println("cancellation requested, waiting for the agent to acknowledge")
			}
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Println(string(raw))
	return nil
}
