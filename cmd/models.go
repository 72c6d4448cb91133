package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pouw-captcha/logging"
	"pouw-captcha/registry"
	"pouw-captcha/shards"
)

type modelSummary struct {
	Name             string   `json:"name"`
	Version          string   `json:"version"`
	Default          bool     `json:"default,omitempty"`
	Layers           []string `json:"layers"`
	EstimatedCompute int      `json:"estimated_compute"`
}

func ModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models found in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfigQuietly()
			if err != nil {
				return err
			}
			cfg := manager.GetConfig()

			result, err := logging.WithNoopLogger(func() (any, error) {
				return listModels(cmd, cfg.Models.Dir, cfg.Models.DefaultModel)
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.AddCommand(setDefaultModelCommand())
	return cmd
}

func listModels(cmd *cobra.Command, dir, defaultModel string) ([]modelSummary, error) {
	reg := registry.New(dir)
	if err := reg.Load(cmd.Context()); err != nil {
		return nil, err
	}
	manager := shards.NewManager(dir, reg)
	if err := manager.Load(cmd.Context()); err != nil {
		return nil, err
	}

	names := manager.AvailableModels()
	summaries := make([]modelSummary, 0, len(names))
	for _, name := range names {
		loaded, _ := manager.Shards(name)
		summary := modelSummary{
			Name:             name,
			Version:          manager.Version(name),
			Default:          name == defaultModel,
			Layers:           make([]string, 0, len(loaded)),
			EstimatedCompute: shards.EstimateComputationTime(loaded),
		}
		for _, shard := range loaded {
			summary.Layers = append(summary.Layers, shard.Name)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func setDefaultModelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default [model]",
		Short: "Set the default model and write it back to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfig()
			if err != nil {
				return err
			}
			if err := manager.SetDefaultModel(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default model set to %s\n", args[0])
			return nil
		},
	}
}
