package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/interpolate"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/runtime"
	"github.com/flintbot-021/flint-prod-sub003/internal/engine/variables"
	"github.com/flintbot-021/flint-prod-sub003/internal/models"
	"github.com/flintbot-021/flint-prod-sub003/internal/services"
	"github.com/flintbot-021/flint-prod-sub003/internal/utils"
)

// errInvalidCampaign validate 发现阻断性问题时返回，进程以非零状态退出
var errInvalidCampaign = errors.New("campaign has blocking issues")

// collaboratorFactory 按 --offline 构造 AI 协作者
type collaboratorFactory func(offline bool, logger *utils.Logger) (runtime.Collaborator, error)

func main() {
	if err := newRootCmd(defaultCollaborator).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(collab collaboratorFactory) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "campaignctl",
		Short:         "Validate and render campaign definitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")

	logger := func() *utils.Logger {
		if verbose {
			return utils.GetLogger()
		}
		return utils.NewNopLogger()
	}

	root.AddCommand(newValidateCmd())
	root.AddCommand(newVariablesCmd())
	root.AddCommand(newRenderCmd(collab, logger))
	return root
}

func loadCampaign(path string) (*models.Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return services.ParseCampaign(data)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check variable references and template syntax",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign, err := loadCampaign(args[0])
			if err != nil {
				return err
			}
			issues := variables.Validate(campaign.Sections)
			blocking := variables.HasBlocking(issues)

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, map[string]interface{}{
					"valid":  !blocking,
					"issues": issues,
				}); err != nil {
					return err
				}
			} else {
				for _, issue := range issues {
					_, _ = fmt.Fprintln(out, issue.String())
				}
				if len(issues) == 0 {
					_, _ = fmt.Fprintf(out, "%s: ok (%d sections)\n", campaign.Name, len(campaign.Sections))
				}
			}
			if blocking {
				return errInvalidCampaign
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print issues as JSON")
	return cmd
}

func newVariablesCmd() *cobra.Command {
	var index int

	cmd := &cobra.Command{
		Use:   "variables <file>",
		Short: "List variables defined by a campaign",
		Long:  "Lists every variable, or with --index only those visible to the section at that position.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign, err := loadCampaign(args[0])
			if err != nil {
				return err
			}
			if index < 0 {
				return writeJSON(cmd.OutOrStdout(), variables.Extract(campaign.Sections))
			}
			if index > len(campaign.Sections) {
				return fmt.Errorf("section index %d out of range (campaign has %d sections)", index, len(campaign.Sections))
			}
			return writeJSON(cmd.OutOrStdout(), variables.AvailableAt(campaign.Sections, index).Variables())
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "section position (0-based); -1 lists all variables")
	return cmd
}

func newRenderCmd(collab collaboratorFactory, logger func() *utils.Logger) *cobra.Command {
	var valuesPath, locale string
	var offline bool

	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "Evaluate a campaign against a set of input values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			campaign, err := loadCampaign(args[0])
			if err != nil {
				return err
			}
			values := map[string]interface{}{}
			if valuesPath != "" {
				if values, err = loadValues(valuesPath); err != nil {
					return err
				}
			}

			opts := interpolate.DefaultOptions()
			if locale != "" {
				opts.Locale = locale
			}
			interp := interpolate.New(opts)

			log := logger()
			collaborator, err := collab(offline, log)
			if err != nil {
				return err
			}
			engine := runtime.New(collaborator,
				runtime.WithInterpolator(interp),
				runtime.WithLogger(log),
			)
			defer engine.Dispose()

			ev, err := engine.Evaluate(cmd.Context(), campaign.Sections, values)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ev)
		},
	}
	cmd.Flags().StringVar(&valuesPath, "values", "", "JSON or YAML file with input values")
	cmd.Flags().StringVar(&locale, "locale", "", "BCP 47 locale for number and date formatting")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the LLM; AI sections render degraded")
	return cmd
}

// loadValues 按扩展名解析输入值文件
func loadValues(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &values)
	default:
		err = json.Unmarshal(data, &values)
	}
	if err != nil {
		return nil, fmt.Errorf("parse values %s: %w", path, err)
	}
	return values, nil
}

// defaultCollaborator 在线模式使用环境变量中的 LLM 配置
func defaultCollaborator(offline bool, logger *utils.Logger) (runtime.Collaborator, error) {
	if offline {
		return offlineCollaborator(), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ai := services.NewAIService(services.AIServiceOptions{
		Timeout: cfg.AITimeout,
		Logger:  logger,
	})
	if err := ai.UpdateProvider(cfg.LLMProvider, map[string]string{
		"api_key":       cfg.LLMAPIKey,
		"default_model": cfg.LLMModel,
	}); err != nil {
		return nil, fmt.Errorf("configure %s: %w (use --offline to render without AI)", cfg.LLMProvider, err)
	}
	return ai, nil
}

func offlineCollaborator() runtime.Collaborator {
	return runtime.CollaboratorFunc(func(context.Context, models.ProcessRequest) models.ProcessResponse {
		return models.ProcessResponse{Success: false, Error: "offline mode"}
	})
}
