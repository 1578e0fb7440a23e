package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	iotguardgo "github.com/tomyedwab/iotguard/clients/go"
)

func newGetCmd(a *app) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET an API path and print the JSON response",
		Long: `GET an API path through the authenticated gateway and print the response.

Examples:
  iotguardctl get /zones
  iotguardctl get /events --param limit=20 --param zone_id=3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for _, p := range params {
				key, value, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid --param %q, want key=value", p)
				}
				query.Add(key, value)
			}

			resp, err := a.client.Get(cmd.Context(), args[0], query)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return iotguardgo.WrapHTTPError(resp, "GET "+args[0])
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			var pretty bytes.Buffer
			if json.Indent(&pretty, body, "", "  ") == nil {
				body = pretty.Bytes()
			}
			fmt.Fprintln(a.out, string(body))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Query parameter as key=value (repeatable)")
	return cmd
}
