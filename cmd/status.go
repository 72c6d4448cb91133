package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func StatusCommand() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the running server's status as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfigQuietly()
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s:%d/v1/status", host, manager.GetConfig().Api.AdminPort)
			body, err := fetchStatus(url)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "admin server host")
	return cmd
}

func fetchStatus(url string) ([]byte, error) {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "query admin server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("received non-OK HTTP status: %s", resp.Status)
	}

	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, errors.Wrap(err, "decode status")
	}
	return json.MarshalIndent(status, "", "  ")
}
